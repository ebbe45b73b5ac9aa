package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/caio-sobreiro/tinypacs/types"
)

// Command types
const (
	CStoreRQ  = types.CStoreRQ
	CStoreRSP = types.CStoreRSP
	CGetRQ    = types.CGetRQ
	CGetRSP   = types.CGetRSP
	CFindRQ   = types.CFindRQ
	CFindRSP  = types.CFindRSP
	CMoveRQ   = types.CMoveRQ
	CMoveRSP  = types.CMoveRSP
	CEchoRQ   = types.CEchoRQ
	CEchoRSP  = types.CEchoRSP
	CCancelRQ = types.CCancelRQ

	NEventReportRQ  = types.NEventReportRQ
	NEventReportRSP = types.NEventReportRSP
	NActionRQ       = types.NActionRQ
	NActionRSP      = types.NActionRSP
)

// Status codes
const (
	StatusSuccess = types.StatusSuccess
	StatusPending = types.StatusPending
	StatusCancel  = types.StatusCancel
	StatusFailure = types.StatusFailure
)

// CommandDataSetType value meaning no data set follows the command.
const NoDataSet = 0x0101

// Connection is the transport a DIMSE message travels over.
type Connection interface {
	io.ReadWriter
}

// EncodeCommand encodes a DIMSE command set using Implicit VR Little Endian,
// the mandatory encoding for command group elements.
func EncodeCommand(msg *types.Message) ([]byte, error) {
	buf := make([]byte, 0, 256)

	// Command Group Length (0000,0000), value patched at the end.
	buf = AppendImplicitElement(buf, 0x0000, 0x0000, make([]byte, 4))
	lengthPos := len(buf) - 4

	if msg.AffectedSOPClassUID != "" {
		buf = AppendImplicitElement(buf, 0x0000, 0x0002, padUIDBytes(msg.AffectedSOPClassUID))
	}
	if msg.RequestedSOPClassUID != "" {
		buf = AppendImplicitElement(buf, 0x0000, 0x0003, padUIDBytes(msg.RequestedSOPClassUID))
	}

	buf = AppendImplicitElement(buf, 0x0000, 0x0100, uint16Bytes(msg.CommandField))

	if msg.MessageID != 0 {
		buf = AppendImplicitElement(buf, 0x0000, 0x0110, uint16Bytes(msg.MessageID))
	}
	if msg.MessageIDBeingRespondedTo != 0 {
		buf = AppendImplicitElement(buf, 0x0000, 0x0120, uint16Bytes(msg.MessageIDBeingRespondedTo))
	}
	if msg.MoveDestination != "" {
		buf = AppendImplicitElement(buf, 0x0000, 0x0600, padAEBytes(msg.MoveDestination))
	}
	if msg.Priority != 0 {
		buf = AppendImplicitElement(buf, 0x0000, 0x0700, uint16Bytes(msg.Priority))
	}

	buf = AppendImplicitElement(buf, 0x0000, 0x0800, uint16Bytes(msg.CommandDataSetType))

	if msg.Status != 0 {
		buf = AppendImplicitElement(buf, 0x0000, 0x0900, uint16Bytes(msg.Status))
	}
	if msg.AffectedSOPInstanceUID != "" {
		buf = AppendImplicitElement(buf, 0x0000, 0x1000, padUIDBytes(msg.AffectedSOPInstanceUID))
	}
	if msg.RequestedSOPInstanceUID != "" {
		buf = AppendImplicitElement(buf, 0x0000, 0x1001, padUIDBytes(msg.RequestedSOPInstanceUID))
	}
	if msg.EventTypeID != 0 {
		buf = AppendImplicitElement(buf, 0x0000, 0x1002, uint16Bytes(msg.EventTypeID))
	}
	if msg.ActionTypeID != 0 {
		buf = AppendImplicitElement(buf, 0x0000, 0x1008, uint16Bytes(msg.ActionTypeID))
	}

	// C-MOVE / C-GET response counters.
	if msg.NumberOfRemainingSuboperations != nil {
		buf = AppendImplicitElement(buf, 0x0000, 0x1020, uint16Bytes(*msg.NumberOfRemainingSuboperations))
	}
	if msg.NumberOfCompletedSuboperations != nil {
		buf = AppendImplicitElement(buf, 0x0000, 0x1021, uint16Bytes(*msg.NumberOfCompletedSuboperations))
	}
	if msg.NumberOfFailedSuboperations != nil {
		buf = AppendImplicitElement(buf, 0x0000, 0x1022, uint16Bytes(*msg.NumberOfFailedSuboperations))
	}
	if msg.NumberOfWarningSuboperations != nil {
		buf = AppendImplicitElement(buf, 0x0000, 0x1023, uint16Bytes(*msg.NumberOfWarningSuboperations))
	}

	// Sub-operation attribution for C-STOREs triggered by a C-MOVE.
	if msg.MoveOriginatorAETitle != "" {
		buf = AppendImplicitElement(buf, 0x0000, 0x1030, padAEBytes(msg.MoveOriginatorAETitle))
	}
	if msg.MoveOriginatorMessageID != 0 {
		buf = AppendImplicitElement(buf, 0x0000, 0x1031, uint16Bytes(msg.MoveOriginatorMessageID))
	}

	groupLength := uint32(len(buf) - lengthPos - 4)
	binary.LittleEndian.PutUint32(buf[lengthPos:lengthPos+4], groupLength)

	return buf, nil
}

// DecodeCommand decodes a DIMSE command set.
func DecodeCommand(data []byte) (*types.Message, error) {
	msg := &types.Message{
		CommandDataSetType: NoDataSet,
	}
	offset := 0

	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		if offset+8+int(length) > len(data) {
			break
		}

		value := data[offset+8 : offset+8+int(length)]

		if group == 0x0000 {
			switch element {
			case 0x0002:
				msg.AffectedSOPClassUID = trimPadding(value)
			case 0x0003:
				msg.RequestedSOPClassUID = trimPadding(value)
			case 0x0100:
				msg.CommandField = uint16Value(value)
			case 0x0110:
				msg.MessageID = uint16Value(value)
			case 0x0120:
				msg.MessageIDBeingRespondedTo = uint16Value(value)
			case 0x0600:
				msg.MoveDestination = trimPadding(value)
			case 0x0700:
				msg.Priority = uint16Value(value)
			case 0x0800:
				msg.CommandDataSetType = uint16Value(value)
			case 0x0900:
				msg.Status = uint16Value(value)
			case 0x1000:
				msg.AffectedSOPInstanceUID = trimPadding(value)
			case 0x1001:
				msg.RequestedSOPInstanceUID = trimPadding(value)
			case 0x1002:
				msg.EventTypeID = uint16Value(value)
			case 0x1008:
				msg.ActionTypeID = uint16Value(value)
			case 0x1020:
				msg.NumberOfRemainingSuboperations = uint16Ptr(value)
			case 0x1021:
				msg.NumberOfCompletedSuboperations = uint16Ptr(value)
			case 0x1022:
				msg.NumberOfFailedSuboperations = uint16Ptr(value)
			case 0x1023:
				msg.NumberOfWarningSuboperations = uint16Ptr(value)
			case 0x1030:
				msg.MoveOriginatorAETitle = trimPadding(value)
			case 0x1031:
				msg.MoveOriginatorMessageID = uint16Value(value)
			}
		}

		offset += 8 + int(length)
	}

	return msg, nil
}

// AppendImplicitElement appends a DICOM element using Implicit VR.
func AppendImplicitElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = append(buf, byte(group), byte(group>>8))
	buf = append(buf, byte(element), byte(element>>8))
	length := uint32(len(value))
	buf = append(buf, byte(length), byte(length>>8), byte(length>>16), byte(length>>24))
	return append(buf, value...)
}

func uint16Bytes(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func uint16Value(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value[:2])
}

func uint16Ptr(value []byte) *uint16 {
	if len(value) < 2 {
		return nil
	}
	v := binary.LittleEndian.Uint16(value[:2])
	return &v
}

func padUIDBytes(uid string) []byte {
	b := []byte(uid)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	return b
}

func padAEBytes(ae string) []byte {
	b := []byte(ae)
	if len(b)%2 == 1 {
		b = append(b, 0x20)
	}
	return b
}

func trimPadding(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}

// SendDIMSEMessage writes a command set and an optional data set as
// P-DATA-TF PDUs.
func SendDIMSEMessage(conn Connection, presContextID byte, maxPDULength uint32, commandData []byte, datasetData []byte) error {
	if err := SendPDataTF(conn, presContextID, maxPDULength, commandData, true, true); err != nil {
		return err
	}
	if len(datasetData) > 0 {
		if err := SendPDataTF(conn, presContextID, maxPDULength, datasetData, false, true); err != nil {
			return err
		}
	}
	return nil
}

// SendPDataTF fragments data into P-DATA-TF PDUs respecting the peer's
// maximum PDU length.
func SendPDataTF(conn Connection, presContextID byte, maxPDULength uint32, data []byte, isCommand bool, isLast bool) error {
	// PDU header and PDV header overhead.
	maxPDVData := int(maxPDULength) - 6 - 6

	offset := 0
	for offset < len(data) {
		chunkSize := len(data) - offset
		lastFragment := true
		if chunkSize > maxPDVData {
			chunkSize = maxPDVData
			lastFragment = false
		}

		pdvLength := uint32(chunkSize + 2)
		pdv := make([]byte, 0, pdvLength+4)

		pdvLengthBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(pdvLengthBytes, pdvLength)
		pdv = append(pdv, pdvLengthBytes...)
		pdv = append(pdv, presContextID)

		// Bit 0: command; bit 1: last fragment.
		controlHeader := byte(0)
		if isCommand {
			controlHeader |= 0x01
		}
		if lastFragment && isLast {
			controlHeader |= 0x02
		}
		pdv = append(pdv, controlHeader)
		pdv = append(pdv, data[offset:offset+chunkSize]...)

		pduHeader := make([]byte, 6)
		pduHeader[0] = 0x04 // P-DATA-TF
		binary.BigEndian.PutUint32(pduHeader[2:6], uint32(len(pdv)))

		// Single write keeps the PDU atomic on the wire.
		fullPDU := append(pduHeader, pdv...)
		if _, err := conn.Write(fullPDU); err != nil {
			return fmt.Errorf("failed to write PDU: %w", err)
		}

		offset += chunkSize
	}

	return nil
}

// ReceiveDIMSEMessage reads one complete DIMSE message, reassembling command
// and data-set fragments across P-DATA-TF PDUs.
func ReceiveDIMSEMessage(conn Connection) (*types.Message, []byte, error) {
	var commandData []byte
	var datasetData []byte
	commandComplete := false
	datasetComplete := false
	datasetExpected := false
	var currentMsg *types.Message

	for {
		header := make([]byte, 6)
		if _, err := io.ReadFull(conn, header); err != nil {
			return nil, nil, fmt.Errorf("failed to read PDU header: %w", err)
		}

		pduType := header[0]
		pduLength := binary.BigEndian.Uint32(header[2:6])

		switch pduType {
		case 0x04: // P-DATA-TF
			payload := make([]byte, pduLength)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return nil, nil, fmt.Errorf("failed to read PDU data: %w", err)
			}

			offset := 0
			for offset < len(payload) {
				if offset+6 > len(payload) {
					return nil, nil, fmt.Errorf("malformed PDV encountered")
				}

				pdvLength := binary.BigEndian.Uint32(payload[offset : offset+4])
				end := offset + 4 + int(pdvLength)
				if end > len(payload) {
					return nil, nil, fmt.Errorf("PDV length exceeds PDU payload")
				}

				controlHeader := payload[offset+5]
				value := payload[offset+6 : end]
				isCommand := controlHeader&0x01 != 0
				isLastFragment := controlHeader&0x02 != 0

				if isCommand {
					commandData = append(commandData, value...)
					if isLastFragment {
						commandComplete = true
						decoded, err := DecodeCommand(commandData)
						if err != nil {
							return nil, nil, fmt.Errorf("failed to decode command: %w", err)
						}
						currentMsg = decoded

						if currentMsg.CommandDataSetType != NoDataSet {
							datasetExpected = true
							if len(datasetData) == 0 {
								datasetComplete = false
							}
						} else {
							datasetExpected = false
							datasetComplete = true
						}
					}
				} else {
					datasetData = append(datasetData, value...)
					if isLastFragment {
						datasetComplete = true
					}
				}

				offset = end
			}
		case 0x07: // A-ABORT
			abortData := make([]byte, pduLength)
			if _, err := io.ReadFull(conn, abortData); err != nil {
				return nil, nil, fmt.Errorf("failed to read ABORT data: %w", err)
			}

			var source, reason byte
			if len(abortData) >= 4 {
				source = abortData[2]
				reason = abortData[3]
			}
			return nil, nil, fmt.Errorf("received A-ABORT PDU (source=%d, reason=%d)", source, reason)
		default:
			// Drain the payload to keep the stream aligned.
			discard := make([]byte, pduLength)
			if _, err := io.ReadFull(conn, discard); err != nil {
				return nil, nil, fmt.Errorf("failed to read unexpected PDU payload: %w", err)
			}
			return nil, nil, fmt.Errorf("unexpected PDU type: 0x%02x", pduType)
		}

		if commandComplete && (!datasetExpected || datasetComplete) {
			return currentMsg, datasetData, nil
		}
	}
}
