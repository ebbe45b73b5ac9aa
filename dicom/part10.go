package dicom

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Implementation identification written into the File Meta Information of
// every file this server creates.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.10.1082.1"
	ImplementationVersionName = "TINYPACS_010"
)

// WriteMeta writes the Part 10 preamble, "DICM" prefix and File Meta
// Information group for one instance. Returns the number of bytes written,
// which is the offset where the data set begins.
func WriteMeta(w io.Writer, sopClassUID, sopInstanceUID, transferSyntaxUID string) (int64, error) {
	var meta []byte
	meta = appendExplicitElement(meta, Tag{Group: 0x0002, Element: 0x0001}, VR_OB, []byte{0x00, 0x01})
	meta = appendExplicitElement(meta, Tag{Group: 0x0002, Element: 0x0002}, VR_UI, padUID(sopClassUID))
	meta = appendExplicitElement(meta, Tag{Group: 0x0002, Element: 0x0003}, VR_UI, padUID(sopInstanceUID))
	meta = appendExplicitElement(meta, Tag{Group: 0x0002, Element: 0x0010}, VR_UI, padUID(transferSyntaxUID))
	meta = appendExplicitElement(meta, Tag{Group: 0x0002, Element: 0x0012}, VR_UI, padUID(ImplementationClassUID))
	meta = appendExplicitElement(meta, Tag{Group: 0x0002, Element: 0x0013}, VR_SH, padText(ImplementationVersionName))

	groupLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLen, uint32(len(meta)))

	header := make([]byte, 0, 132+12+len(meta))
	header = append(header, make([]byte, 128)...)
	header = append(header, 'D', 'I', 'C', 'M')
	header = appendExplicitElement(header, Tag{Group: 0x0002, Element: 0x0000}, VR_UL, groupLen)
	header = append(header, meta...)

	n, err := w.Write(header)
	return int64(n), err
}

// appendExplicitElement appends one element in explicit VR little endian.
// The value must already be padded to even length.
func appendExplicitElement(buf []byte, tag Tag, vr string, value []byte) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint16(b[0:2], tag.Group)
	binary.LittleEndian.PutUint16(b[2:4], tag.Element)
	buf = append(buf, b[:]...)
	buf = append(buf, vr...)

	longVR := vr == VR_OB || vr == VR_OW || vr == VR_SQ || vr == VR_UN || vr == VR_UT
	if longVR {
		buf = append(buf, 0x00, 0x00)
		binary.LittleEndian.PutUint32(b[:], uint32(len(value)))
		buf = append(buf, b[:]...)
	} else {
		binary.LittleEndian.PutUint16(b[0:2], uint16(len(value)))
		buf = append(buf, b[0:2]...)
	}
	return append(buf, value...)
}

// appendImplicitElement appends one element in implicit VR little endian.
func appendImplicitElement(buf []byte, tag Tag, value []byte) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint16(b[0:2], tag.Group)
	binary.LittleEndian.PutUint16(b[2:4], tag.Element)
	buf = append(buf, b[:]...)
	binary.LittleEndian.PutUint32(b[:], uint32(len(value)))
	buf = append(buf, b[:]...)
	return append(buf, value...)
}

func padUID(uid string) []byte {
	if len(uid)%2 == 1 {
		uid += "\x00"
	}
	return []byte(uid)
}

func padText(s string) []byte {
	if len(s)%2 == 1 {
		s += " "
	}
	return []byte(s)
}

// StripPart10Header removes the DICOM Part 10 preamble and File Meta Information
// to extract just the dataset.
//
// DICOM Part 10 files contain:
//   - 128 byte preamble
//   - 4 byte "DICM" prefix
//   - File Meta Information elements (group 0x0002)
//   - Dataset (the actual DICOM data)
//
// This function is useful when you need to send a DICOM dataset via DIMSE
// operations (like C-STORE), which expect only the dataset without the
// Part 10 wrapper.
//
// Parameters:
//   - data: The complete DICOM Part 10 file data
//
// Returns:
//   - Dataset bytes (without preamble and file meta information)
//   - Error if the data is not a valid DICOM Part 10 file
//
// Example:
//
//	fileData, _ := os.ReadFile("image.dcm")
//	datasetOnly, err := dicom.StripPart10Header(fileData)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// Now datasetOnly can be sent via C-STORE
func StripPart10Header(data []byte) ([]byte, error) {
	if len(data) < 132 {
		return nil, fmt.Errorf("data too short to be DICOM Part 10 (need at least 132 bytes, got %d)", len(data))
	}

	// Check for DICM prefix at offset 128
	if string(data[128:132]) != "DICM" {
		return nil, fmt.Errorf("not a valid DICOM Part 10 file (missing DICM prefix at offset 128)")
	}

	// Skip preamble (128) + DICM (4) = start at offset 132
	offset := 132

	var transferSyntaxUID string

	// Skip all group 0x0002 elements (File Meta Information)
	for offset+8 <= len(data) {
		group := uint16(data[offset]) | (uint16(data[offset+1]) << 8)
		element := uint16(data[offset+2]) | (uint16(data[offset+3]) << 8)

		// If we've passed group 0x0002, we're at the dataset
		if group != 0x0002 {
			break
		}

		// Read VR (2 bytes)
		vr := string(data[offset+4 : offset+6])

		var length uint32
		var valueOffset int

		// Some VRs use different length encoding
		if vr == "OB" || vr == "OW" || vr == "OF" || vr == "SQ" || vr == "UN" || vr == "UT" {
			// Explicit VR with 32-bit length
			offset += 8 // Skip tag (4) + VR (2) + reserved (2)
			if offset+4 > len(data) {
				break
			}
			length = uint32(data[offset]) | (uint32(data[offset+1]) << 8) |
				(uint32(data[offset+2]) << 16) | (uint32(data[offset+3]) << 24)
			offset += 4
			valueOffset = offset
		} else {
			// Explicit VR with 16-bit length
			offset += 6 // Skip tag (4) + VR (2)
			if offset+2 > len(data) {
				break
			}
			length = uint32(data[offset]) | (uint32(data[offset+1]) << 8)
			offset += 2
			valueOffset = offset
		}

		// Check if this is Transfer Syntax UID (0002,0010)
		if group == 0x0002 && element == 0x0010 {
			if valueOffset+int(length) <= len(data) {
				transferSyntaxUID = string(data[valueOffset : valueOffset+int(length)])
				// Remove any padding
				transferSyntaxUID = strings.TrimRight(transferSyntaxUID, "\x00 ")
			}
		}

		// Skip value
		offset += int(length)
		if offset > len(data) {
			break
		}
	}

	if transferSyntaxUID != "" {
		slog.Debug("Found Transfer Syntax UID in File Meta Information",
			"transfer_syntax", transferSyntaxUID,
			"dataset_start_offset", offset)
	}

	if offset >= len(data) {
		return nil, fmt.Errorf("failed to find dataset after File Meta Information")
	}

	return data[offset:], nil
}

// HasPart10Header checks if the data starts with a DICOM Part 10 header.
//
// Returns true if the data contains the 128-byte preamble followed by "DICM".
func HasPart10Header(data []byte) bool {
	if len(data) < 132 {
		return false
	}
	return string(data[128:132]) == "DICM"
}
