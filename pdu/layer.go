// Package pdu implements the DICOM Upper Layer Protocol: association
// negotiation, P-DATA-TF framing, and release handling.
package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/caio-sobreiro/tinypacs/dicom"
	"github.com/caio-sobreiro/tinypacs/dimse"
	pacserrors "github.com/caio-sobreiro/tinypacs/errors"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/types"
)

// PDU types
const (
	TypeAssociateRQ = types.TypeAssociateRQ
	TypeAssociateAC = types.TypeAssociateAC
	TypeAssociateRJ = types.TypeAssociateRJ
	TypePDataTF     = types.TypePDataTF
	TypeReleaseRQ   = types.TypeReleaseRQ
	TypeReleaseRP   = types.TypeReleaseRP
	TypeAbort       = types.TypeAbort
)

// DefaultMaxPDULength is offered when the configuration carries none.
const DefaultMaxPDULength = 16384

// PDU represents a Protocol Data Unit
type PDU = types.PDU

// Options configure the acceptor side of an association.
type Options struct {
	// MaxPDULength is offered in the A-ASSOCIATE-AC user information.
	MaxPDULength uint32

	// SupportedTransferSyntaxes lists acceptable transfer syntaxes in
	// preference order. Defaults to Implicit and Explicit VR Little Endian.
	SupportedTransferSyntaxes []string

	// Validator, when set, decides whether the association is accepted. An
	// errors.AssociationError return carries the reject source and reason
	// onto the wire; any other error rejects with no reason given.
	Validator interfaces.AssociationValidator
}

// Layer handles one association on the acceptor side.
type Layer struct {
	conn           net.Conn
	associationCtx *AssociationContext
	dimseHandler   interfaces.DIMSEHandler
	opts           Options
	logger         *slog.Logger
}

// AssociationContext holds association state.
type AssociationContext = types.AssociationContext

// PresentationContext represents a negotiated presentation context.
type PresentationContext = types.PresentationContext

const (
	presentationResultAcceptance           byte = 0x00
	presentationResultRejectAbstractSyntax byte = 0x03
	presentationResultRejectTransferSyntax byte = 0x04
)

var supportedAbstractSyntaxes = map[string]bool{
	types.VerificationSOPClass:                              true,
	types.PatientRootQueryRetrieveInformationModelFind:      true,
	types.StudyRootQueryRetrieveInformationModelFind:        true,
	types.PatientStudyOnlyQueryRetrieveInformationModelFind: true,
	types.PatientRootQueryRetrieveInformationModelMove:      true,
	types.StudyRootQueryRetrieveInformationModelMove:        true,
	types.PatientStudyOnlyQueryRetrieveInformationModelMove: true,
	types.PatientRootQueryRetrieveInformationModelGet:       true,
	types.StudyRootQueryRetrieveInformationModelGet:         true,
	types.PatientStudyOnlyQueryRetrieveInformationModelGet:  true,
	types.StorageCommitmentPushModelSOPClass:                true,
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func supportsAbstractSyntax(uid string) bool {
	if supportedAbstractSyntaxes[uid] {
		return true
	}
	// All storage SOP classes are accepted for C-STORE.
	return types.IsStorageSOPClass(uid)
}

// NewLayer creates a PDU layer for one accepted connection.
func NewLayer(conn net.Conn, dimseHandler interfaces.DIMSEHandler, opts Options, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxPDULength == 0 {
		opts.MaxPDULength = DefaultMaxPDULength
	}
	if len(opts.SupportedTransferSyntaxes) == 0 {
		opts.SupportedTransferSyntaxes = []string{
			types.ImplicitVRLittleEndian,
			types.ExplicitVRLittleEndian,
		}
	}
	return &Layer{
		conn:         conn,
		dimseHandler: dimseHandler,
		opts:         opts,
		logger:       logger,
	}
}

func (p *Layer) supportsTransferSyntax(uid string) bool {
	for _, ts := range p.opts.SupportedTransferSyntaxes {
		if ts == uid {
			return true
		}
	}
	return false
}

// HandleConnection manages the complete DICOM connection lifecycle
func (p *Layer) HandleConnection() error {
	defer p.conn.Close()
	p.logger.Info("New DICOM connection", "remote_addr", p.conn.RemoteAddr())

	if err := p.handleAssociationPhase(); err != nil {
		return fmt.Errorf("association failed: %w", err)
	}

	for {
		pdu, err := p.readPDU()
		if err != nil {
			if err == io.EOF {
				p.logger.Info("Connection closed by client", "remote_addr", p.conn.RemoteAddr())
			} else {
				p.logger.Warn("Error reading PDU", "error", err, "remote_addr", p.conn.RemoteAddr())
			}
			break
		}

		if err := p.handlePDU(pdu); err != nil {
			if err == io.EOF {
				break // Normal termination
			}
			return fmt.Errorf("error handling PDU: %w", err)
		}
	}

	return nil
}

// readPDU reads a complete PDU from the connection
func (p *Layer) readPDU() (*PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(p.conn, header); err != nil {
		return nil, err
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])

	pduData := make([]byte, pduLength)
	if _, err := io.ReadFull(p.conn, pduData); err != nil {
		return nil, fmt.Errorf("failed to read PDU data: %w", err)
	}

	return &PDU{
		Type:   pduType,
		Length: pduLength,
		Data:   pduData,
	}, nil
}

// handlePDU routes PDUs to appropriate handlers
func (p *Layer) handlePDU(pdu *PDU) error {
	p.logger.Debug("Received PDU", "type", fmt.Sprintf("0x%02x", pdu.Type), "length", pdu.Length)

	switch pdu.Type {
	case TypePDataTF:
		return p.handlePDataTF(pdu)
	case TypeReleaseRQ:
		return p.handleReleaseRequest()
	case TypeReleaseRP:
		p.logger.Debug("Received A-RELEASE-RP")
		return io.EOF
	case TypeAbort:
		p.logger.Info("Received A-ABORT")
		return io.EOF
	default:
		p.logger.Warn("Unhandled PDU type", "type", fmt.Sprintf("0x%02x", pdu.Type))
		return nil
	}
}

// handleAssociationPhase handles association establishment, including
// validation and rejection.
func (p *Layer) handleAssociationPhase() error {
	pdu, err := p.readPDU()
	if err != nil {
		return fmt.Errorf("failed to read association request: %w", err)
	}

	if pdu.Type != TypeAssociateRQ {
		return fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU type: 0x%02x", pdu.Type)
	}

	return p.handleAssociateRequest(pdu)
}

// handleAssociateRequest processes A-ASSOCIATE-RQ and answers with either
// A-ASSOCIATE-AC or A-ASSOCIATE-RJ.
func (p *Layer) handleAssociateRequest(pdu *PDU) error {
	p.logger.Debug("Processing A-ASSOCIATE-RQ")

	p.associationCtx = &AssociationContext{
		MaxPDULength:     DefaultMaxPDULength,
		PresentationCtxs: make(map[byte]*PresentationContext),
	}

	if err := p.parseAssociationRequest(pdu); err != nil {
		return fmt.Errorf("malformed association request: %w", err)
	}

	if p.opts.Validator != nil {
		if err := p.opts.Validator.ValidateAssociation(p.AssociationInfo()); err != nil {
			p.logger.Info("Rejecting association",
				"calling_ae", p.associationCtx.CallingAETitle,
				"called_ae", p.associationCtx.CalledAETitle,
				"reason", err)
			if werr := p.sendAssociateReject(err); werr != nil {
				return werr
			}
			return fmt.Errorf("association rejected: %w", err)
		}
	}

	response := p.createAssociateAccept()
	if _, err := p.conn.Write(response); err != nil {
		return fmt.Errorf("failed to send A-ASSOCIATE-AC: %w", err)
	}

	p.logger.Debug("Sent A-ASSOCIATE-AC")
	return nil
}

// sendAssociateReject writes an A-ASSOCIATE-RJ carrying the source and
// reason from an errors.AssociationError, with result = rejected-permanent.
func (p *Layer) sendAssociateReject(cause error) error {
	source := byte(pacserrors.RejectSourceServiceUser)
	reason := byte(pacserrors.RejectReasonNoReasonGiven)

	var assocErr *pacserrors.AssociationError
	if errors.As(cause, &assocErr) {
		source = byte(assocErr.Source)
		reason = byte(assocErr.Reason)
	}

	rj := []byte{
		TypeAssociateRJ, 0x00,
		0x00, 0x00, 0x00, 0x04, // length
		0x00,   // reserved
		0x01,   // result: rejected-permanent
		source, // source
		reason, // reason
	}
	if _, err := p.conn.Write(rj); err != nil {
		return fmt.Errorf("failed to send A-ASSOCIATE-RJ: %w", err)
	}
	return nil
}

// handlePDataTF processes P-DATA-TF PDUs and forwards each PDV to the DIMSE
// layer.
func (p *Layer) handlePDataTF(pdu *PDU) error {
	offset := 0
	for offset < len(pdu.Data) {
		if offset+6 > len(pdu.Data) {
			return fmt.Errorf("P-DATA-TF too short")
		}

		pdvLength := binary.BigEndian.Uint32(pdu.Data[offset : offset+4])
		end := offset + 4 + int(pdvLength)
		if end > len(pdu.Data) {
			return fmt.Errorf("incomplete PDV data")
		}

		pdvData := pdu.Data[offset+4 : end]
		if len(pdvData) < 2 {
			return fmt.Errorf("PDV data too short")
		}

		presContextID := pdvData[0]
		msgCtrlHeader := pdvData[1]
		dimseData := pdvData[2:]

		p.logger.Debug("Processing DIMSE fragment",
			"presentation_context_id", presContextID,
			"message_control_header", fmt.Sprintf("0x%02x", msgCtrlHeader))

		if err := p.dimseHandler.HandleDIMSEMessage(presContextID, msgCtrlHeader, dimseData, p); err != nil {
			return err
		}

		offset = end
	}
	return nil
}

// handleReleaseRequest processes A-RELEASE-RQ and sends A-RELEASE-RP
func (p *Layer) handleReleaseRequest() error {
	p.logger.Debug("Processing A-RELEASE-RQ")

	response := []byte{TypeReleaseRP, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}
	if _, err := p.conn.Write(response); err != nil {
		return fmt.Errorf("failed to send A-RELEASE-RP: %w", err)
	}

	p.logger.Debug("Sent A-RELEASE-RP")
	return io.EOF
}

// SendDIMSEResponse sends a DIMSE command via P-DATA-TF
func (p *Layer) SendDIMSEResponse(presContextID byte, commandData []byte) error {
	return p.SendDIMSEResponseWithDataset(presContextID, commandData, nil)
}

// SendDIMSEResponseWithDataset sends a DIMSE command with an optional data
// set, fragmented to the peer's maximum PDU length.
func (p *Layer) SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error {
	maxPDU := uint32(DefaultMaxPDULength)
	if p.associationCtx != nil && p.associationCtx.MaxPDULength > 0 {
		maxPDU = p.associationCtx.MaxPDULength
	}
	return dimse.SendDIMSEMessage(p.conn, presContextID, maxPDU, commandData, datasetData)
}

// PresentationContext resolves a negotiated context id to its abstract and
// transfer syntax.
func (p *Layer) PresentationContext(presContextID byte) (string, string, error) {
	if p.associationCtx == nil {
		return "", "", fmt.Errorf("association context not initialized")
	}

	ctx, ok := p.associationCtx.PresentationCtxs[presContextID]
	if !ok || ctx.Result != presentationResultAcceptance {
		return "", "", fmt.Errorf("presentation context %d not negotiated", presContextID)
	}
	return ctx.AbstractSyntax, ctx.TransferSyntax, nil
}

// ContextFor returns the accepted presentation context matching the abstract
// syntax and, when transferSyntaxUID is non-empty, the transfer syntax.
func (p *Layer) ContextFor(abstractSyntaxUID, transferSyntaxUID string) (byte, string, bool) {
	if p.associationCtx == nil {
		return 0, "", false
	}
	for _, ctx := range p.associationCtx.PresentationCtxs {
		if ctx.Result != presentationResultAcceptance {
			continue
		}
		if ctx.AbstractSyntax != abstractSyntaxUID {
			continue
		}
		if transferSyntaxUID != "" && ctx.TransferSyntax != transferSyntaxUID {
			continue
		}
		return ctx.ID, ctx.TransferSyntax, true
	}
	return 0, "", false
}

// AssociationInfo returns the metadata of the current association.
func (p *Layer) AssociationInfo() *interfaces.AssociationInfo {
	if p.associationCtx == nil {
		return nil
	}
	host := ""
	if addr, ok := p.conn.RemoteAddr().(*net.TCPAddr); ok {
		host = addr.IP.String()
	} else if remote := p.conn.RemoteAddr(); remote != nil {
		host = remote.String()
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}
	return &interfaces.AssociationInfo{
		CallingAETitle: p.associationCtx.CallingAETitle,
		CalledAETitle:  p.associationCtx.CalledAETitle,
		RemoteHost:     host,
	}
}

// createAssociateAccept creates the A-ASSOCIATE-AC PDU
func (p *Layer) createAssociateAccept() []byte {
	// Fixed fields (68 bytes)
	fixedFields := make([]byte, 68)
	binary.BigEndian.PutUint16(fixedFields[0:2], 0x0001)

	calledAE := p.associationCtx.CalledAETitle
	if len(calledAE) > 16 {
		calledAE = calledAE[:16]
	}
	callingAE := p.associationCtx.CallingAETitle
	if len(callingAE) > 16 {
		callingAE = callingAE[:16]
	}
	copy(fixedFields[4:20], fmt.Sprintf("%-16s", calledAE))
	copy(fixedFields[20:36], fmt.Sprintf("%-16s", callingAE))

	// Application Context Item
	appContextUID := types.ApplicationContextUID
	appContextItem := []byte{0x10, 0x00}
	appContextLen := make([]byte, 2)
	binary.BigEndian.PutUint16(appContextLen, uint16(len(appContextUID)))
	appContextItem = append(appContextItem, appContextLen...)
	appContextItem = append(appContextItem, []byte(appContextUID)...)

	// Sort context IDs for consistent ordering.
	var contextIDs []byte
	for id := range p.associationCtx.PresentationCtxs {
		contextIDs = append(contextIDs, id)
	}
	for i := 0; i < len(contextIDs); i++ {
		for j := i + 1; j < len(contextIDs); j++ {
			if contextIDs[i] > contextIDs[j] {
				contextIDs[i], contextIDs[j] = contextIDs[j], contextIDs[i]
			}
		}
	}

	var allPresContextItems []byte
	for _, id := range contextIDs {
		ctx := p.associationCtx.PresentationCtxs[id]

		// WORKAROUND: Some DICOM implementations (e.g., DCMTK/Orthanc)
		// incorrectly reject A-ASSOCIATE-AC PDUs that include rejected
		// presentation contexts, even though PS3.8 Section 9.3.3.3 requires
		// including all contexts from the RQ. Skip rejected contexts to
		// maintain compatibility.
		if ctx.Result != presentationResultAcceptance {
			p.logger.Debug("Skipping rejected context (compatibility workaround)",
				"context_id", ctx.ID,
				"result", ctx.Result)
			continue
		}

		// Accepted contexts carry only the selected transfer syntax.
		transferSyntaxItem := []byte{0x40, 0x00}
		transferSyntaxLen := make([]byte, 2)
		binary.BigEndian.PutUint16(transferSyntaxLen, uint16(len(ctx.TransferSyntax)))
		transferSyntaxItem = append(transferSyntaxItem, transferSyntaxLen...)
		transferSyntaxItem = append(transferSyntaxItem, []byte(ctx.TransferSyntax)...)

		presContextItem := []byte{0x21, 0x00}
		presContextLen := make([]byte, 2)
		binary.BigEndian.PutUint16(presContextLen, uint16(4+len(transferSyntaxItem)))
		presContextItem = append(presContextItem, presContextLen...)
		presContextItem = append(presContextItem, ctx.ID, ctx.Result, 0x00, 0x00)
		presContextItem = append(presContextItem, transferSyntaxItem...)

		allPresContextItems = append(allPresContextItems, presContextItem...)
	}

	// User Information Item
	maxPDUItem := []byte{0x51, 0x00, 0x00, 0x04}
	maxPDUValue := make([]byte, 4)
	binary.BigEndian.PutUint32(maxPDUValue, p.opts.MaxPDULength)
	maxPDUItem = append(maxPDUItem, maxPDUValue...)

	implClassUID := dicom.ImplementationClassUID
	implClassItem := []byte{0x52, 0x00}
	implClassLen := make([]byte, 2)
	binary.BigEndian.PutUint16(implClassLen, uint16(len(implClassUID)))
	implClassItem = append(implClassItem, implClassLen...)
	implClassItem = append(implClassItem, []byte(implClassUID)...)

	implVersionName := dicom.ImplementationVersionName
	implVersionItem := []byte{0x55, 0x00}
	implVersionLen := make([]byte, 2)
	binary.BigEndian.PutUint16(implVersionLen, uint16(len(implVersionName)))
	implVersionItem = append(implVersionItem, implVersionLen...)
	implVersionItem = append(implVersionItem, []byte(implVersionName)...)

	userInfoData := append(maxPDUItem, implClassItem...)
	userInfoData = append(userInfoData, implVersionItem...)
	userInfoItem := []byte{0x50, 0x00}
	userInfoLen := make([]byte, 2)
	binary.BigEndian.PutUint16(userInfoLen, uint16(len(userInfoData)))
	userInfoItem = append(userInfoItem, userInfoLen...)
	userInfoItem = append(userInfoItem, userInfoData...)

	variableItems := append(appContextItem, allPresContextItems...)
	variableItems = append(variableItems, userInfoItem...)
	pduData := append(fixedFields, variableItems...)

	pduHeader := []byte{TypeAssociateAC, 0x00}
	pduLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pduLength, uint32(len(pduData)))
	pduHeader = append(pduHeader, pduLength...)

	return append(pduHeader, pduData...)
}

// parseAssociationRequest parses an A-ASSOCIATE-RQ PDU: AE titles,
// presentation contexts, and user information.
func (p *Layer) parseAssociationRequest(pdu *PDU) error {
	p.logger.Debug("Parsing association request", "pdu_length", len(pdu.Data))

	if len(pdu.Data) < 68 {
		return fmt.Errorf("association request too short")
	}

	data := pdu.Data

	calledAE := strings.TrimSpace(strings.TrimRight(string(data[4:20]), "\x00"))
	callingAE := strings.TrimSpace(strings.TrimRight(string(data[20:36]), "\x00"))

	p.associationCtx.CalledAETitle = calledAE
	p.associationCtx.CallingAETitle = callingAE

	p.logger.Info("Association requested",
		"calling_ae", callingAE,
		"called_ae", calledAE)

	offset := 68
	var proposedContexts, acceptedContexts int

	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return fmt.Errorf("association item exceeds PDU length")
		}
		itemData := data[valueStart:valueEnd]

		switch itemType {
		case 0x10: // Application Context
		case 0x20: // Presentation Context
			proposedContexts++
			ctx, err := p.parsePresentationContext(itemData)
			if err != nil {
				p.logger.Warn("Failed to parse presentation context", "error", err)
			} else {
				p.associationCtx.PresentationCtxs[ctx.ID] = ctx
				if ctx.Result == presentationResultAcceptance {
					acceptedContexts++
				}
			}
		case 0x50: // User Information
			if maxPDULength, err := parseUserInformation(itemData); err != nil {
				p.logger.Warn("Failed to parse user information", "error", err)
			} else if maxPDULength > 0 {
				p.associationCtx.MaxPDULength = maxPDULength
			}
		}

		offset = valueEnd
	}

	if proposedContexts == 0 {
		p.logger.Warn("No presentation contexts found in association request")
	} else {
		p.logger.Info("Negotiated presentation contexts",
			"proposed", proposedContexts,
			"accepted", acceptedContexts,
			"max_pdu_length", p.associationCtx.MaxPDULength)
	}

	return nil
}

func (p *Layer) parsePresentationContext(data []byte) (*PresentationContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context too short: %d", len(data))
	}

	ctxID := data[0]
	subOffset := 4 // Skip reserved bytes
	var abstractSyntax string
	var transferSyntaxes []string

	for subOffset+4 <= len(data) {
		subItemType := data[subOffset]
		subItemLength := binary.BigEndian.Uint16(data[subOffset+2 : subOffset+4])
		valueStart := subOffset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("presentation context %d sub-item exceeds length", ctxID)
		}

		value := data[valueStart:valueEnd]
		switch subItemType {
		case 0x30: // Abstract Syntax
			abstractSyntax = normalizeUID(value)
		case 0x40: // Transfer Syntax
			transferSyntaxes = append(transferSyntaxes, normalizeUID(value))
		}

		subOffset = valueEnd
	}

	if abstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d missing abstract syntax", ctxID)
	}

	result := presentationResultRejectAbstractSyntax
	selectedTransfer := ""

	if supportsAbstractSyntax(abstractSyntax) {
		for _, ts := range transferSyntaxes {
			if p.supportsTransferSyntax(ts) {
				selectedTransfer = ts
				result = presentationResultAcceptance
				break
			}
		}
		if result != presentationResultAcceptance {
			result = presentationResultRejectTransferSyntax
		}
	}

	p.logger.Debug("Presentation context negotiation result",
		"context_id", ctxID,
		"abstract_syntax", abstractSyntax,
		"selected_transfer_syntax", selectedTransfer,
		"result", result)

	return &PresentationContext{
		ID:             ctxID,
		Result:         result,
		AbstractSyntax: abstractSyntax,
		TransferSyntax: selectedTransfer,
	}, nil
}

func parseUserInformation(data []byte) (uint32, error) {
	offset := 0
	var maxPDULength uint32

	for offset+4 <= len(data) {
		subItemType := data[offset]
		subItemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return 0, fmt.Errorf("user information sub-item exceeds length")
		}

		if subItemType == 0x51 && subItemLength == 4 {
			maxPDULength = binary.BigEndian.Uint32(data[valueStart:valueEnd])
		}

		offset = valueEnd
	}

	return maxPDULength, nil
}
