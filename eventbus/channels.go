package eventbus

// Well-known channels. Each channel's payload and result contract is
// documented on the component that owns it; keeping the names in one place
// avoids a subscription silently missing its publisher over a typo.
const (
	// DBAtomic returns the database's transaction runner. SendOne.
	DBAtomic Channel = "db-atomic"

	// DBGetTables collects DDL statements from every component that owns
	// tables. Broadcast at startup by the database component.
	DBGetTables Channel = "db-get-tables"

	// DBDialect returns the active SQL dialect. SendOne.
	DBDialect Channel = "db-dialect"

	// OnAssocRequest fires when a remote AE opens an association.
	OnAssocRequest Channel = "on-assoc-request"

	// OnReceiveStore fires for each incoming C-STORE data set.
	OnReceiveStore Channel = "on-receive-store"

	// OnReceiveFind fires for each C-FIND request; listeners return the
	// matching result data sets.
	OnReceiveFind Channel = "on-receive-find"

	// OnReceiveMove fires for each C-MOVE request; listeners return the
	// artifacts to send to the move destination.
	OnReceiveMove Channel = "on-receive-move"

	// OnReceiveGet fires for each C-GET request; listeners return the
	// artifacts to send back on the same association.
	OnReceiveGet Channel = "on-receive-get"

	// OnReceiveCommitment fires for each storage commitment request.
	OnReceiveCommitment Channel = "on-receive-commitment"

	// OnStoreGetFile asks the active storage backend for a sink to write an
	// incoming instance to. SendOne.
	OnStoreGetFile Channel = "on-store-get-file"

	// OnStoreDone fires after an instance was stored and indexed.
	OnStoreDone Channel = "on-store-done"

	// OnStoreFailure fires when storing an instance failed after the sink
	// was handed out.
	OnStoreFailure Channel = "on-store-failure"

	// OnStoreGetFiles resolves SOP instance UIDs to stored artifacts.
	OnStoreGetFiles Channel = "on-store-get-files"

	// OnStoreVerify checks which of the referenced instances are safely
	// stored, for storage commitment.
	OnStoreVerify Channel = "on-store-verify"

	// DeviceByAE resolves an AE title to a known device. SendAny.
	DeviceByAE Channel = "device-by-ae"

	// GetMainAET returns the server's primary AE title. SendOne.
	GetMainAET Channel = "get-main-aet"
)
