package ae_test

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/tinypacs/devices"
	"github.com/caio-sobreiro/tinypacs/dicom"
	"github.com/caio-sobreiro/tinypacs/dimse"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/server"
	"github.com/caio-sobreiro/tinypacs/services"
	"github.com/caio-sobreiro/tinypacs/storage"
	"github.com/caio-sobreiro/tinypacs/types"
)

// destinationSCP is a C-MOVE destination answering each C-STORE
// sub-operation with a per-instance status.
type destinationSCP struct {
	mu            sync.Mutex
	statuses      map[string]uint16
	originatorAEs []string
	originatorIDs []uint16
}

func (d *destinationSCP) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.originatorAEs = append(d.originatorAEs, msg.MoveOriginatorAETitle)
	d.originatorIDs = append(d.originatorIDs, msg.MoveOriginatorMessageID)
	status := d.statuses[msg.AffectedSOPInstanceUID]
	return services.NewResponseBuilder(msg).CStoreResponse(status, msg.AffectedSOPInstanceUID), nil, nil
}

func (d *destinationSCP) received() ([]string, []uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.originatorAEs...), append([]uint16(nil), d.originatorIDs...)
}

func TestMoveSubOperationCounters(t *testing.T) {
	dest := &destinationSCP{statuses: map[string]uint16{
		"1.2.3.1": types.StatusSuccess,
		"1.2.3.2": 0xB006, // elements discarded
		"1.2.3.3": 0xC000, // cannot understand
	}}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.New("DEST_SCP", dest).Serve(ctx, listener)

	a, bus := newTestAE(t)
	port := listener.Addr().(*net.TCPAddr).Port
	bus.Subscribe(eventbus.DeviceByAE, "test", func(args ...any) (any, error) {
		return &devices.Device{AETitle: "DEST_SCP", Address: "127.0.0.1", Port: port}, nil
	}, eventbus.DefaultPriority)

	artifacts := []storage.Artifact{
		{SOPClassUID: "1.2.840.10008.5.1.4.1.1.7", SOPInstanceUID: "1.2.3.1", TransferSyntaxUID: types.ImplicitVRLittleEndian, Data: []byte{0x01, 0x02}},
		{SOPClassUID: "1.2.840.10008.5.1.4.1.1.7", SOPInstanceUID: "1.2.3.2", TransferSyntaxUID: types.ImplicitVRLittleEndian, Data: []byte{0x03, 0x04}},
		{SOPClassUID: "1.2.840.10008.5.1.4.1.1.7", SOPInstanceUID: "1.2.3.3", TransferSyntaxUID: types.ImplicitVRLittleEndian, Data: []byte{0x05, 0x06}},
	}
	bus.Subscribe(eventbus.OnReceiveMove, "test", func(args ...any) (any, error) {
		return artifacts, nil
	}, eventbus.DefaultPriority)

	msg := &types.Message{
		CommandField:        dimse.CMoveRQ,
		MessageID:           9,
		AffectedSOPClassUID: types.StudyRootQueryRetrieveInformationModelMove,
		MoveDestination:     "DEST_SCP",
		CommandDataSetType:  0x0000,
	}
	responder := &mockResponder{}
	streaming := a.Handler().(interfaces.StreamingServiceHandler)
	require.NoError(t, streaming.HandleDIMSEStreaming(context.Background(), msg, findRequestData(t), testMeta(), responder))

	// Two pending responses while sub-operations remain, then the final.
	require.Len(t, responder.responses, 3)

	pending1 := responder.responses[0].msg
	assert.Equal(t, uint16(types.StatusPending), pending1.Status)
	assert.Equal(t, uint16(1), *pending1.NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(0), *pending1.NumberOfFailedSuboperations)
	assert.Equal(t, uint16(0), *pending1.NumberOfWarningSuboperations)
	assert.Equal(t, uint16(2), *pending1.NumberOfRemainingSuboperations)

	pending2 := responder.responses[1].msg
	assert.Equal(t, uint16(types.StatusPending), pending2.Status)
	assert.Equal(t, uint16(1), *pending2.NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(0), *pending2.NumberOfFailedSuboperations)
	assert.Equal(t, uint16(1), *pending2.NumberOfWarningSuboperations)
	assert.Equal(t, uint16(1), *pending2.NumberOfRemainingSuboperations)

	final := responder.responses[2].msg
	assert.Equal(t, uint16(dimse.CMoveRSP), final.CommandField)
	assert.Equal(t, uint16(types.StatusSubOperationsCompleteWithFailures), final.Status)
	assert.Equal(t, uint16(1), *final.NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(1), *final.NumberOfFailedSuboperations)
	assert.Equal(t, uint16(1), *final.NumberOfWarningSuboperations)
	assert.Equal(t, uint16(0), *final.NumberOfRemainingSuboperations)

	// Every forwarded C-STORE-RQ attributes the originating C-MOVE.
	aes, ids := dest.received()
	require.Len(t, aes, 3)
	for i := range aes {
		assert.Equal(t, "MODALITY", aes[i])
		assert.Equal(t, uint16(9), ids[i])
	}
}

func TestMoveAllSubOperationsSucceed(t *testing.T) {
	dest := &destinationSCP{statuses: map[string]uint16{
		"1.2.3.1": types.StatusSuccess,
		"1.2.3.2": types.StatusSuccess,
	}}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.New("DEST_SCP", dest).Serve(ctx, listener)

	a, bus := newTestAE(t)
	port := listener.Addr().(*net.TCPAddr).Port
	bus.Subscribe(eventbus.DeviceByAE, "test", func(args ...any) (any, error) {
		return &devices.Device{AETitle: "DEST_SCP", Address: "127.0.0.1", Port: port}, nil
	}, eventbus.DefaultPriority)
	bus.Subscribe(eventbus.OnReceiveMove, "test", func(args ...any) (any, error) {
		return sampleArtifacts(), nil
	}, eventbus.DefaultPriority)

	msg := &types.Message{
		CommandField:        dimse.CMoveRQ,
		MessageID:           2,
		AffectedSOPClassUID: types.StudyRootQueryRetrieveInformationModelMove,
		MoveDestination:     "DEST_SCP",
		CommandDataSetType:  0x0000,
	}
	responder := &mockResponder{}
	streaming := a.Handler().(interfaces.StreamingServiceHandler)
	require.NoError(t, streaming.HandleDIMSEStreaming(context.Background(), msg, findRequestData(t), testMeta(), responder))

	require.Len(t, responder.responses, 2)
	assert.Equal(t, uint16(types.StatusPending), responder.responses[0].msg.Status)

	final := responder.responses[1].msg
	assert.Equal(t, uint16(types.StatusSuccess), final.Status)
	assert.Equal(t, uint16(2), *final.NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(0), *final.NumberOfFailedSuboperations)
	assert.Equal(t, uint16(0), *final.NumberOfWarningSuboperations)
}
