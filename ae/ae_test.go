package ae_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/tinypacs/ae"
	"github.com/caio-sobreiro/tinypacs/config"
	"github.com/caio-sobreiro/tinypacs/dicom"
	"github.com/caio-sobreiro/tinypacs/dimse"
	pacserrors "github.com/caio-sobreiro/tinypacs/errors"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/storage"
	"github.com/caio-sobreiro/tinypacs/types"
)

func newTestAE(t *testing.T) (*ae.AE, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	a := ae.New(bus, config.AEConfig{
		AETitle:      []string{"TINY_PACS", "ARCHIVE"},
		Port:         11112,
		MaxPDULength: 16384,
	})
	return a, bus
}

func testMeta() interfaces.MessageContext {
	return interfaces.MessageContext{
		PresentationContextID: 1,
		TransferSyntaxUID:     types.ExplicitVRLittleEndian,
		CallingAETitle:        "MODALITY",
		CalledAETitle:         "TINY_PACS",
		RemoteHost:            "10.0.0.5",
	}
}

type sentResponse struct {
	msg *types.Message
	ds  *dicom.Dataset
	ts  string
}

type sentRequest struct {
	msg      *types.Message
	raw      []byte
	abstract string
	ts       string
}

type mockResponder struct {
	responses []sentResponse
	requests  []sentRequest
}

func (m *mockResponder) SendResponse(msg *types.Message, ds *dicom.Dataset, ts string) error {
	m.responses = append(m.responses, sentResponse{msg, ds, ts})
	return nil
}

func (m *mockResponder) SendRequest(msg *types.Message, raw []byte, abstract, ts string) error {
	m.requests = append(m.requests, sentRequest{msg, append([]byte(nil), raw...), abstract, ts})
	return nil
}

// respOnly can send responses but no sub-operation requests.
type respOnly struct {
	responses []sentResponse
}

func (r *respOnly) SendResponse(msg *types.Message, ds *dicom.Dataset, ts string) error {
	r.responses = append(r.responses, sentResponse{msg, ds, ts})
	return nil
}

type memSink struct {
	data []byte
	pos  int64
}

func (s *memSink) Write(p []byte) (int, error) {
	s.data = append(s.data[:s.pos], p...)
	s.pos = int64(len(s.data))
	return len(p), nil
}

func (s *memSink) Read(p []byte) (int, error) {
	if s.pos >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *memSink) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		s.pos = offset
	case io.SeekCurrent:
		s.pos += offset
	case io.SeekEnd:
		s.pos = int64(len(s.data)) + offset
	}
	return s.pos, nil
}

func TestValidateAssociationAcceptsConfiguredAET(t *testing.T) {
	a, bus := newTestAE(t)

	var announced *interfaces.AssociationInfo
	bus.Subscribe(eventbus.OnAssocRequest, "test", func(args ...any) (any, error) {
		announced = args[0].(*interfaces.AssociationInfo)
		return nil, nil
	}, eventbus.DefaultPriority)

	info := &interfaces.AssociationInfo{
		CallingAETitle: "MODALITY",
		CalledAETitle:  "ARCHIVE",
		RemoteHost:     "10.0.0.5",
	}
	require.NoError(t, a.ValidateAssociation(info))
	require.NotNil(t, announced)
	assert.Equal(t, "MODALITY", announced.CallingAETitle)
}

func TestValidateAssociationRejectsUnknownCalledAE(t *testing.T) {
	a, _ := newTestAE(t)

	err := a.ValidateAssociation(&interfaces.AssociationInfo{
		CallingAETitle: "MODALITY",
		CalledAETitle:  "SOMEONE_ELSE",
	})
	require.Error(t, err)

	var assocErr *pacserrors.AssociationError
	require.True(t, errors.As(err, &assocErr))
	assert.Equal(t, pacserrors.RejectSourceServiceUser, assocErr.Source)
	assert.Equal(t, pacserrors.RejectReasonCalledAETitleNotRecognized, assocErr.Reason)
}

func TestMainAETChannel(t *testing.T) {
	_, bus := newTestAE(t)

	v, err := bus.SendOne(eventbus.GetMainAET)
	require.NoError(t, err)
	assert.Equal(t, "TINY_PACS", v)
}

func TestEchoHandler(t *testing.T) {
	a, _ := newTestAE(t)

	msg := &types.Message{
		CommandField:        dimse.CEchoRQ,
		MessageID:           7,
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  dimse.NoDataSet,
	}
	resp, ds, err := a.Handler().HandleDIMSE(context.Background(), msg, nil, testMeta())
	require.NoError(t, err)
	assert.Nil(t, ds)
	assert.Equal(t, uint16(dimse.CEchoRSP), resp.CommandField)
	assert.Equal(t, uint16(types.StatusSuccess), resp.Status)
	assert.Equal(t, uint16(7), resp.MessageIDBeingRespondedTo)
}

func TestStoreHandlerWritesSinkAndAggregatesStatus(t *testing.T) {
	a, bus := newTestAE(t)

	sink := &memSink{}
	bus.Subscribe(eventbus.OnStoreGetFile, "test", func(args ...any) (any, error) {
		return storage.NewFile{Sink: sink, Start: 0}, nil
	}, eventbus.DefaultPriority)

	var indexed []byte
	bus.Subscribe(eventbus.OnReceiveStore, "indexer", func(args ...any) (any, error) {
		s := args[2].(interfaces.StoreSink)
		start := args[3].(int64)
		s.Seek(start, io.SeekStart)
		indexed, _ = io.ReadAll(s)
		return uint16(types.StatusSuccess), nil
	}, eventbus.DefaultPriority)

	msg := &types.Message{
		CommandField:           dimse.CStoreRQ,
		MessageID:              3,
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.7",
		AffectedSOPInstanceUID: "1.2.3.4",
		CommandDataSetType:     0x0000,
	}
	payload := []byte{0x08, 0x00, 0x18, 0x00, 0x08, 0x00, 0x00, 0x00}

	resp, _, err := a.Handler().HandleDIMSE(context.Background(), msg, payload, testMeta())
	require.NoError(t, err)
	assert.Equal(t, uint16(dimse.CStoreRSP), resp.CommandField)
	assert.Equal(t, uint16(types.StatusSuccess), resp.Status)
	assert.Equal(t, "1.2.3.4", resp.AffectedSOPInstanceUID)
	assert.Equal(t, payload, indexed)
}

func TestStoreHandlerWorstStatusWins(t *testing.T) {
	a, bus := newTestAE(t)

	bus.Subscribe(eventbus.OnStoreGetFile, "test", func(args ...any) (any, error) {
		return storage.NewFile{Sink: &memSink{}, Start: 0}, nil
	}, eventbus.DefaultPriority)
	bus.Subscribe(eventbus.OnReceiveStore, "good", func(args ...any) (any, error) {
		return uint16(types.StatusSuccess), nil
	}, 10)
	bus.Subscribe(eventbus.OnReceiveStore, "bad", func(args ...any) (any, error) {
		return uint16(types.StatusFailure), nil
	}, 20)

	msg := &types.Message{
		CommandField:           dimse.CStoreRQ,
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.7",
		AffectedSOPInstanceUID: "1.2.3.4",
	}
	resp, _, err := a.Handler().HandleDIMSE(context.Background(), msg, []byte{0x00}, testMeta())
	require.NoError(t, err)
	assert.Equal(t, uint16(types.StatusFailure), resp.Status)
}

func TestStoreHandlerNoStorage(t *testing.T) {
	a, _ := newTestAE(t)

	msg := &types.Message{
		CommandField:           dimse.CStoreRQ,
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.7",
		AffectedSOPInstanceUID: "1.2.3.4",
	}
	resp, _, err := a.Handler().HandleDIMSE(context.Background(), msg, []byte{0x00}, testMeta())
	require.NoError(t, err)
	assert.Equal(t, uint16(types.StatusOutOfResources), resp.Status)
}

func findRequestData(t *testing.T) []byte {
	t.Helper()
	ds := dicom.NewDataset()
	ds.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0052}, dicom.VR_CS, "PATIENT")
	ds.AddElement(dicom.Tag{Group: 0x0010, Element: 0x0010}, dicom.VR_PN, "")
	return ds.EncodeDataset()
}

func TestFindHandlerStreamsMatches(t *testing.T) {
	a, bus := newTestAE(t)

	match1 := dicom.NewDataset()
	match1.AddElement(dicom.Tag{Group: 0x0010, Element: 0x0010}, dicom.VR_PN, "Doe^Jane")
	match2 := dicom.NewDataset()
	match2.AddElement(dicom.Tag{Group: 0x0010, Element: 0x0010}, dicom.VR_PN, "Doe^John")

	bus.Subscribe(eventbus.OnReceiveFind, "test", func(args ...any) (any, error) {
		return []*dicom.Dataset{match1, match2}, nil
	}, eventbus.DefaultPriority)

	msg := &types.Message{
		CommandField:        dimse.CFindRQ,
		MessageID:           5,
		AffectedSOPClassUID: types.PatientRootQueryRetrieveInformationModelFind,
		CommandDataSetType:  0x0000,
	}
	responder := &mockResponder{}
	streaming := a.Handler().(interfaces.StreamingServiceHandler)
	require.NoError(t, streaming.HandleDIMSEStreaming(context.Background(), msg, findRequestData(t), testMeta(), responder))

	require.Len(t, responder.responses, 3)
	assert.Equal(t, uint16(types.StatusPending), responder.responses[0].msg.Status)
	assert.Equal(t, "Doe^Jane", responder.responses[0].ds.GetString(dicom.Tag{Group: 0x0010, Element: 0x0010}))
	assert.Equal(t, uint16(types.StatusPending), responder.responses[1].msg.Status)
	assert.Equal(t, uint16(types.StatusSuccess), responder.responses[2].msg.Status)
	assert.Nil(t, responder.responses[2].ds)
}

func TestFindHandlerQueryError(t *testing.T) {
	a, bus := newTestAE(t)

	bus.Subscribe(eventbus.OnReceiveFind, "test", func(args ...any) (any, error) {
		return nil, errors.New("unsupported VR for filtering")
	}, eventbus.DefaultPriority)

	msg := &types.Message{
		CommandField:        dimse.CFindRQ,
		AffectedSOPClassUID: types.PatientRootQueryRetrieveInformationModelFind,
	}
	responder := &mockResponder{}
	streaming := a.Handler().(interfaces.StreamingServiceHandler)
	require.NoError(t, streaming.HandleDIMSEStreaming(context.Background(), msg, findRequestData(t), testMeta(), responder))

	require.Len(t, responder.responses, 1)
	assert.Equal(t, uint16(types.StatusFailure), responder.responses[0].msg.Status)
}

func TestMoveDestinationUnknown(t *testing.T) {
	a, _ := newTestAE(t)

	msg := &types.Message{
		CommandField:        dimse.CMoveRQ,
		MessageID:           9,
		AffectedSOPClassUID: types.StudyRootQueryRetrieveInformationModelMove,
		MoveDestination:     "NOWHERE",
	}
	responder := &mockResponder{}
	streaming := a.Handler().(interfaces.StreamingServiceHandler)
	require.NoError(t, streaming.HandleDIMSEStreaming(context.Background(), msg, findRequestData(t), testMeta(), responder))

	require.Len(t, responder.responses, 1)
	assert.Equal(t, uint16(dimse.CMoveRSP), responder.responses[0].msg.CommandField)
	assert.Equal(t, uint16(types.StatusMoveDestinationUnknown), responder.responses[0].msg.Status)
}

func sampleArtifacts() []storage.Artifact {
	return []storage.Artifact{
		{
			SOPClassUID:       "1.2.840.10008.5.1.4.1.1.7",
			SOPInstanceUID:    "1.2.3.1",
			TransferSyntaxUID: types.ImplicitVRLittleEndian,
			Data:              []byte{0x01, 0x02},
		},
		{
			SOPClassUID:       "1.2.840.10008.5.1.4.1.1.7",
			SOPInstanceUID:    "1.2.3.2",
			TransferSyntaxUID: types.ImplicitVRLittleEndian,
			Data:              []byte{0x03, 0x04},
		},
	}
}

func TestGetHandlerSendsSubOperations(t *testing.T) {
	a, bus := newTestAE(t)

	bus.Subscribe(eventbus.OnReceiveGet, "test", func(args ...any) (any, error) {
		return sampleArtifacts(), nil
	}, eventbus.DefaultPriority)

	msg := &types.Message{
		CommandField:        dimse.CGetRQ,
		MessageID:           4,
		AffectedSOPClassUID: types.StudyRootQueryRetrieveInformationModelGet,
		CommandDataSetType:  0x0000,
	}
	responder := &mockResponder{}
	streaming := a.Handler().(interfaces.StreamingServiceHandler)
	require.NoError(t, streaming.HandleDIMSEStreaming(context.Background(), msg, findRequestData(t), testMeta(), responder))

	require.Len(t, responder.requests, 2)
	assert.Equal(t, uint16(dimse.CStoreRQ), responder.requests[0].msg.CommandField)
	assert.Equal(t, "1.2.3.1", responder.requests[0].msg.AffectedSOPInstanceUID)
	assert.Equal(t, []byte{0x01, 0x02}, responder.requests[0].raw)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.7", responder.requests[0].abstract)

	// One pending response after the first sub-operation, then the final.
	require.Len(t, responder.responses, 2)
	pending := responder.responses[0].msg
	assert.Equal(t, uint16(types.StatusPending), pending.Status)
	assert.Equal(t, uint16(1), *pending.NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(1), *pending.NumberOfRemainingSuboperations)

	final := responder.responses[1].msg
	assert.Equal(t, uint16(dimse.CGetRSP), final.CommandField)
	assert.Equal(t, uint16(types.StatusSuccess), final.Status)
	assert.Equal(t, uint16(2), *final.NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(0), *final.NumberOfFailedSuboperations)
	assert.Equal(t, uint16(0), *final.NumberOfRemainingSuboperations)
}

func TestGetHandlerRequiresSubOperationTransport(t *testing.T) {
	a, bus := newTestAE(t)

	bus.Subscribe(eventbus.OnReceiveGet, "test", func(args ...any) (any, error) {
		return sampleArtifacts(), nil
	}, eventbus.DefaultPriority)

	msg := &types.Message{
		CommandField:        dimse.CGetRQ,
		AffectedSOPClassUID: types.StudyRootQueryRetrieveInformationModelGet,
	}
	streaming := a.Handler().(interfaces.StreamingServiceHandler)
	err := streaming.HandleDIMSEStreaming(context.Background(), msg, findRequestData(t), testMeta(), &respOnly{})
	assert.Error(t, err)
}

func commitmentRequestData(t *testing.T, refs []types.SOPReference) []byte {
	t.Helper()
	return dicom.EncodeStorageCommitmentRequest(&dicom.StorageCommitmentRequest{
		TransactionUID: "1.2.3.99.1",
		References:     refs,
	}, types.ExplicitVRLittleEndian)
}

func TestCommitmentHandlerReportsMixedResult(t *testing.T) {
	a, bus := newTestAE(t)

	refs := []types.SOPReference{
		{ClassUID: "1.2.840.10008.5.1.4.1.1.7", InstanceUID: "1.2.3.1"},
		{ClassUID: "1.2.840.10008.5.1.4.1.1.7", InstanceUID: "1.2.3.9"},
	}
	bus.Subscribe(eventbus.OnReceiveCommitment, "test", func(args ...any) (any, error) {
		got := args[0].([]types.SOPReference)
		return storage.VerifyResult{
			Success: got[:1],
			Failed:  got[1:],
		}, nil
	}, eventbus.DefaultPriority)

	msg := &types.Message{
		CommandField:            dimse.NActionRQ,
		MessageID:               11,
		RequestedSOPClassUID:    types.StorageCommitmentPushModelSOPClass,
		RequestedSOPInstanceUID: types.StorageCommitmentPushModelSOPInstance,
		ActionTypeID:            1,
		CommandDataSetType:      0x0000,
	}
	responder := &mockResponder{}
	streaming := a.Handler().(interfaces.StreamingServiceHandler)
	require.NoError(t, streaming.HandleDIMSEStreaming(context.Background(), msg, commitmentRequestData(t, refs), testMeta(), responder))

	require.Len(t, responder.responses, 1)
	ack := responder.responses[0].msg
	assert.Equal(t, uint16(dimse.NActionRSP), ack.CommandField)
	assert.Equal(t, uint16(types.StatusSuccess), ack.Status)
	assert.Equal(t, types.StorageCommitmentPushModelSOPClass, ack.AffectedSOPClassUID)

	require.Len(t, responder.requests, 1)
	event := responder.requests[0].msg
	assert.Equal(t, uint16(dimse.NEventReportRQ), event.CommandField)
	assert.Equal(t, uint16(2), event.EventTypeID)
	assert.Equal(t, types.StorageCommitmentPushModelSOPInstance, event.AffectedSOPInstanceUID)

	report, err := dicom.ParseStorageCommitmentResult(responder.requests[0].raw, types.ExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.99.1", report.TransactionUID)
	require.Len(t, report.Success, 1)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "1.2.3.1", report.Success[0].InstanceUID)
	assert.Equal(t, "1.2.3.9", report.Failed[0].InstanceUID)
}

func TestCommitmentHandlerAllStored(t *testing.T) {
	a, bus := newTestAE(t)

	refs := []types.SOPReference{
		{ClassUID: "1.2.840.10008.5.1.4.1.1.7", InstanceUID: "1.2.3.1"},
	}
	bus.Subscribe(eventbus.OnReceiveCommitment, "test", func(args ...any) (any, error) {
		return storage.VerifyResult{Success: refs}, nil
	}, eventbus.DefaultPriority)

	msg := &types.Message{
		CommandField:            dimse.NActionRQ,
		RequestedSOPClassUID:    types.StorageCommitmentPushModelSOPClass,
		RequestedSOPInstanceUID: types.StorageCommitmentPushModelSOPInstance,
		ActionTypeID:            1,
	}
	responder := &mockResponder{}
	streaming := a.Handler().(interfaces.StreamingServiceHandler)
	require.NoError(t, streaming.HandleDIMSEStreaming(context.Background(), msg, commitmentRequestData(t, refs), testMeta(), responder))

	require.Len(t, responder.requests, 1)
	assert.Equal(t, uint16(1), responder.requests[0].msg.EventTypeID)

	report, err := dicom.ParseStorageCommitmentResult(responder.requests[0].raw, types.ExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Len(t, report.Success, 1)
	assert.Empty(t, report.Failed)
}

func TestCommitmentHandlerWrongSOPClass(t *testing.T) {
	a, _ := newTestAE(t)

	msg := &types.Message{
		CommandField:         dimse.NActionRQ,
		RequestedSOPClassUID: "1.2.3.4",
	}
	responder := &mockResponder{}
	streaming := a.Handler().(interfaces.StreamingServiceHandler)
	require.NoError(t, streaming.HandleDIMSEStreaming(context.Background(), msg, nil, testMeta(), responder))

	require.Len(t, responder.responses, 1)
	assert.Equal(t, uint16(types.StatusFailure), responder.responses[0].msg.Status)
	assert.Empty(t, responder.requests)
}
