// Package client implements the requester side of a DICOM association:
// negotiation, and the C-ECHO, C-STORE, C-FIND, C-GET, and C-CANCEL
// operations used to talk to a remote SCP.
package client

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/caio-sobreiro/tinypacs/dicom"
	"github.com/caio-sobreiro/tinypacs/pdu"
	"github.com/caio-sobreiro/tinypacs/types"
)

// Association represents a client-side DICOM association
type Association struct {
	conn             net.Conn
	callingAETitle   string
	calledAETitle    string
	maxPDULength     uint32
	peerMaxPDULength uint32
	presentationCtxs map[byte]*PresentationContext
	logger           *slog.Logger
}

// PresentationContext holds negotiated presentation context info
type PresentationContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
	Accepted       bool
}

// ProposedContext is one presentation context offered in the A-ASSOCIATE-RQ.
// TransferSyntaxes are listed in preference order.
type ProposedContext struct {
	AbstractSyntax   string
	TransferSyntaxes []string
}

// Config holds client configuration
type Config struct {
	CallingAETitle string
	CalledAETitle  string
	MaxPDULength   uint32
	ConnectTimeout time.Duration // Timeout for establishing connection (default: 30s)
	ReadTimeout    time.Duration // Timeout for read operations (default: 60s)
	WriteTimeout   time.Duration // Timeout for write operations (default: 60s)
	Logger         *slog.Logger  // Logger for the association (default: slog.Default())

	// PresentationContexts to propose. When empty, a default set covering
	// verification and study root query/retrieve is offered.
	PresentationContexts []ProposedContext

	// PreferredTransferSyntaxes backfills contexts that carry no transfer
	// syntaxes of their own (default: Explicit VR, Implicit VR).
	PreferredTransferSyntaxes []string
}

func defaultPresentationContexts() []ProposedContext {
	return []ProposedContext{
		{AbstractSyntax: types.VerificationSOPClass},
		{AbstractSyntax: types.StudyRootQueryRetrieveInformationModelFind},
		{AbstractSyntax: types.StudyRootQueryRetrieveInformationModelMove},
		{AbstractSyntax: types.StudyRootQueryRetrieveInformationModelGet},
	}
}

// Connect establishes a DICOM association with a remote SCP
func Connect(address string, config Config) (*Association, error) {
	if config.MaxPDULength == 0 {
		config.MaxPDULength = 16384 // Default 16KB
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 60 * time.Second
	}

	// Establish TCP connection with timeout
	dialer := &net.Dialer{
		Timeout: config.ConnectTimeout,
	}
	conn, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	// Set initial read/write timeouts
	if err := conn.SetReadDeadline(time.Now().Add(config.ReadTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set write deadline: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fallbackTS := config.PreferredTransferSyntaxes
	if len(fallbackTS) == 0 {
		fallbackTS = []string{
			types.ExplicitVRLittleEndian,
			types.ImplicitVRLittleEndian,
		}
	}

	proposed := config.PresentationContexts
	if len(proposed) == 0 {
		proposed = defaultPresentationContexts()
	}

	assoc := &Association{
		conn:             conn,
		callingAETitle:   config.CallingAETitle,
		calledAETitle:    config.CalledAETitle,
		maxPDULength:     config.MaxPDULength,
		presentationCtxs: make(map[byte]*PresentationContext),
		logger:           logger,
	}

	// Send association request
	if err := assoc.sendAssociateRQ(proposed, fallbackTS); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send A-ASSOCIATE-RQ: %w", err)
	}

	// Wait for association accept
	if err := assoc.receiveAssociateAC(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to receive A-ASSOCIATE-AC: %w", err)
	}

	logger.Info("DICOM association established",
		"remote_addr", address,
		"calling_ae", config.CallingAETitle,
		"called_ae", config.CalledAETitle)

	return assoc, nil
}

// Close gracefully closes the association
func (a *Association) Close() error {
	// Send release request
	if err := a.sendReleaseRQ(); err != nil {
		a.logger.Warn("Failed to send release request", "error", err)
	}

	// Wait for release response (with timeout handled by TCP)
	a.receiveReleaseRP()

	return a.conn.Close()
}

// sendMaxPDULength is the fragmentation limit for outgoing messages: the
// peer's advertised maximum when known, otherwise our own.
func (a *Association) sendMaxPDULength() uint32 {
	if a.peerMaxPDULength > 0 {
		return a.peerMaxPDULength
	}
	return a.maxPDULength
}

// sendAssociateRQ sends an A-ASSOCIATE-RQ PDU
func (a *Association) sendAssociateRQ(proposed []ProposedContext, fallbackTS []string) error {
	buf := make([]byte, 0, 1024)

	// Protocol version (2 bytes) = 0x0001
	buf = append(buf, 0x00, 0x01)

	// Reserved (2 bytes)
	buf = append(buf, 0x00, 0x00)

	// Called and Calling AE Titles (16 bytes each, space-padded)
	buf = append(buf, []byte(fmt.Sprintf("%-16s", a.calledAETitle))[:16]...)
	buf = append(buf, []byte(fmt.Sprintf("%-16s", a.callingAETitle))[:16]...)

	// Reserved (32 bytes)
	buf = append(buf, make([]byte, 32)...)

	// Application Context Item
	buf = append(buf, 0x10, 0x00)
	buf = append(buf, 0x00, byte(len(types.ApplicationContextUID)))
	buf = append(buf, []byte(types.ApplicationContextUID)...)

	// Presentation context IDs must be odd and unique per PS3.8.
	contextID := byte(1)
	for _, ctx := range proposed {
		transferSyntaxes := ctx.TransferSyntaxes
		if len(transferSyntaxes) == 0 {
			transferSyntaxes = fallbackTS
		}
		buf = a.addPresentationContext(buf, contextID, ctx.AbstractSyntax, transferSyntaxes)
		contextID += 2
	}

	// User Information Item
	buf = a.addUserInformation(buf)

	// Write PDU header
	pduHeader := make([]byte, 6)
	pduHeader[0] = pdu.TypeAssociateRQ
	pduHeader[1] = 0x00 // Reserved
	binary.BigEndian.PutUint32(pduHeader[2:6], uint32(len(buf)))

	if _, err := a.conn.Write(append(pduHeader, buf...)); err != nil {
		return err
	}

	return nil
}

// addPresentationContext adds a presentation context to the buffer
func (a *Association) addPresentationContext(buf []byte, contextID byte, abstractSyntax string, transferSyntaxes []string) []byte {
	pcStart := len(buf)

	// Presentation Context Item
	buf = append(buf, 0x20, 0x00)
	buf = append(buf, 0x00, 0x00) // Length placeholder
	buf = append(buf, contextID)
	buf = append(buf, 0x00, 0x00, 0x00) // Reserved

	// Abstract Syntax Sub-Item
	buf = append(buf, 0x30, 0x00)
	buf = append(buf, 0x00, byte(len(abstractSyntax)))
	buf = append(buf, []byte(abstractSyntax)...)

	// Transfer Syntax Sub-Items, in preference order
	for _, ts := range transferSyntaxes {
		buf = append(buf, 0x40, 0x00)
		buf = append(buf, 0x00, byte(len(ts)))
		buf = append(buf, []byte(ts)...)
	}

	// Update Presentation Context length
	pcLength := len(buf) - pcStart - 4
	binary.BigEndian.PutUint16(buf[pcStart+2:pcStart+4], uint16(pcLength))

	a.presentationCtxs[contextID] = &PresentationContext{
		ID:             contextID,
		AbstractSyntax: abstractSyntax,
	}

	return buf
}

// addUserInformation adds user information to the buffer
func (a *Association) addUserInformation(buf []byte) []byte {
	uiStart := len(buf)

	// User Information Item
	buf = append(buf, 0x50, 0x00)
	buf = append(buf, 0x00, 0x00) // Length placeholder

	// Maximum Length Sub-Item
	buf = append(buf, 0x51, 0x00, 0x00, 0x04)
	maxLengthBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLengthBytes, a.maxPDULength)
	buf = append(buf, maxLengthBytes...)

	// Implementation Class UID Sub-Item
	buf = append(buf, 0x52, 0x00)
	buf = append(buf, 0x00, byte(len(dicom.ImplementationClassUID)))
	buf = append(buf, []byte(dicom.ImplementationClassUID)...)

	// Implementation Version Name Sub-Item
	buf = append(buf, 0x55, 0x00)
	buf = append(buf, 0x00, byte(len(dicom.ImplementationVersionName)))
	buf = append(buf, []byte(dicom.ImplementationVersionName)...)

	// Update User Information length
	uiLength := len(buf) - uiStart - 4
	binary.BigEndian.PutUint16(buf[uiStart+2:uiStart+4], uint16(uiLength))

	return buf
}

// receiveAssociateAC receives and parses A-ASSOCIATE-AC
func (a *Association) receiveAssociateAC() error {
	// Read PDU header
	header := make([]byte, 6)
	if _, err := io.ReadFull(a.conn, header); err != nil {
		return fmt.Errorf("failed to read PDU header: %w", err)
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])

	data := make([]byte, pduLength)
	if _, err := io.ReadFull(a.conn, data); err != nil {
		return fmt.Errorf("failed to read PDU data: %w", err)
	}

	if pduType == pdu.TypeAssociateRJ {
		if len(data) >= 4 {
			return fmt.Errorf("association rejected by peer (result=%d, source=%d, reason=%d)",
				data[1], data[2], data[3])
		}
		return fmt.Errorf("association rejected by peer")
	}

	if pduType != pdu.TypeAssociateAC {
		return fmt.Errorf("unexpected PDU type: 0x%02x (expected A-ASSOCIATE-AC)", pduType)
	}

	offset := 68 // Skip fixed fields
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		itemEnd := offset + 4 + int(itemLength)
		if itemEnd > len(data) {
			break
		}

		switch itemType {
		case 0x21: // Presentation Context Result
			a.parseContextResult(data[offset+4:itemEnd], itemLength)
		case 0x50: // User Information
			a.parseUserInformationAC(data[offset+4 : itemEnd])
		}

		offset = itemEnd
	}

	return nil
}

func (a *Association) parseContextResult(item []byte, itemLength uint16) {
	if len(item) < 4 {
		return
	}
	contextID := item[0]
	result := item[3]

	transferSyntax := ""
	subOffset := 4
	for subOffset+4 <= len(item) {
		subItemType := item[subOffset]
		subItemLength := binary.BigEndian.Uint16(item[subOffset+2 : subOffset+4])
		subItemEnd := subOffset + 4 + int(subItemLength)
		if subItemEnd > len(item) {
			break
		}

		if subItemType == 0x40 && subItemLength > 0 {
			transferSyntax = strings.TrimRight(string(item[subOffset+4:subItemEnd]), "\x00 ")
		}

		subOffset = subItemEnd
	}

	if pc, ok := a.presentationCtxs[contextID]; ok {
		pc.Accepted = (result == 0)
		if pc.Accepted && transferSyntax != "" {
			pc.TransferSyntax = transferSyntax
		}
		a.logger.Debug("Presentation context negotiation",
			"context_id", contextID,
			"abstract_syntax", pc.AbstractSyntax,
			"result", result,
			"accepted", pc.Accepted,
			"transfer_syntax", pc.TransferSyntax)
	}
}

func (a *Association) parseUserInformationAC(item []byte) {
	offset := 0
	for offset+4 <= len(item) {
		subItemType := item[offset]
		subItemLength := binary.BigEndian.Uint16(item[offset+2 : offset+4])
		subItemEnd := offset + 4 + int(subItemLength)
		if subItemEnd > len(item) {
			break
		}

		if subItemType == 0x51 && subItemLength == 4 {
			a.peerMaxPDULength = binary.BigEndian.Uint32(item[offset+4 : subItemEnd])
		}

		offset = subItemEnd
	}
}

// sendReleaseRQ sends an A-RELEASE-RQ PDU
func (a *Association) sendReleaseRQ() error {
	pduData := make([]byte, 6)
	pduData[0] = pdu.TypeReleaseRQ
	pduData[1] = 0x00
	binary.BigEndian.PutUint32(pduData[2:6], 4) // Length is always 4
	reserved := make([]byte, 4)

	if _, err := a.conn.Write(append(pduData, reserved...)); err != nil {
		return err
	}

	return nil
}

// receiveReleaseRP receives A-RELEASE-RP (or timeout)
func (a *Association) receiveReleaseRP() error {
	header := make([]byte, 6)
	if _, err := io.ReadFull(a.conn, header); err != nil {
		return err // Connection closed or timeout
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])

	if pduType != pdu.TypeReleaseRP {
		return fmt.Errorf("unexpected PDU type: 0x%02x", pduType)
	}

	// Read and discard PDU data
	data := make([]byte, pduLength)
	io.ReadFull(a.conn, data)

	return nil
}

// GetPresentationContextID finds a presentation context for the given abstract syntax
func (a *Association) GetPresentationContextID(abstractSyntax string) (byte, error) {
	id, _, err := a.GetPresentationContext(abstractSyntax)
	return id, err
}

// GetPresentationContext finds an accepted presentation context for the given
// abstract syntax and returns its id and negotiated transfer syntax.
func (a *Association) GetPresentationContext(abstractSyntax string) (byte, string, error) {
	return a.GetPresentationContextFor(abstractSyntax, "")
}

// GetPresentationContextFor finds an accepted presentation context matching
// both the abstract syntax and the transfer syntax. An empty transfer syntax
// matches any accepted context for the abstract syntax.
func (a *Association) GetPresentationContextFor(abstractSyntax, transferSyntax string) (byte, string, error) {
	var fallback *PresentationContext
	for _, pc := range a.presentationCtxs {
		if pc.AbstractSyntax != abstractSyntax || !pc.Accepted {
			continue
		}
		if pc.TransferSyntax == transferSyntax {
			return pc.ID, pc.TransferSyntax, nil
		}
		if fallback == nil {
			fallback = pc
		}
	}
	if transferSyntax == "" && fallback != nil {
		return fallback.ID, fallback.TransferSyntax, nil
	}
	return 0, "", fmt.Errorf("no accepted presentation context for abstract syntax: %s", abstractSyntax)
}
