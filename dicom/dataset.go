package dicom

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/caio-sobreiro/tinypacs/types"
)

// VR (Value Representation) constants
const (
	VR_AE = types.VR_AE
	VR_AS = types.VR_AS
	VR_AT = types.VR_AT
	VR_CS = types.VR_CS
	VR_DA = types.VR_DA
	VR_DS = types.VR_DS
	VR_DT = types.VR_DT
	VR_FL = types.VR_FL
	VR_FD = types.VR_FD
	VR_IS = types.VR_IS
	VR_LO = types.VR_LO
	VR_LT = types.VR_LT
	VR_OB = types.VR_OB
	VR_OD = types.VR_OD
	VR_OF = types.VR_OF
	VR_OL = types.VR_OL
	VR_OV = types.VR_OV
	VR_OW = types.VR_OW
	VR_PN = types.VR_PN
	VR_SH = types.VR_SH
	VR_SL = types.VR_SL
	VR_SQ = types.VR_SQ
	VR_SS = types.VR_SS
	VR_ST = types.VR_ST
	VR_SV = types.VR_SV
	VR_TM = types.VR_TM
	VR_UC = types.VR_UC
	VR_UI = types.VR_UI
	VR_UL = types.VR_UL
	VR_UN = types.VR_UN
	VR_UR = types.VR_UR
	VR_US = types.VR_US
	VR_UT = types.VR_UT
	VR_UV = types.VR_UV
)

// Common transfer syntax UIDs
const (
	TransferSyntaxImplicitVRLittleEndian         = types.ImplicitVRLittleEndian
	TransferSyntaxExplicitVRLittleEndian         = types.ExplicitVRLittleEndian
	TransferSyntaxDeflatedExplicitVRLittleEndian = types.DeflatedExplicitVRLittleEndian
)

// tagPixelData marks where header-only parsing stops.
var tagPixelData = Tag{Group: 0x7FE0, Element: 0x0010}

// Tag represents a DICOM tag (group, element).
type Tag = types.Tag

// Element represents a DICOM data element
type Element struct {
	Tag    Tag
	VR     string
	Length uint32
	Value  interface{}
}

// Dataset represents a collection of DICOM elements
type Dataset struct {
	Elements map[Tag]*Element
}

// NewDataset creates a new empty dataset
func NewDataset() *Dataset {
	return &Dataset{
		Elements: make(map[Tag]*Element),
	}
}

// AddElement adds an element to the dataset
func (d *Dataset) AddElement(tag Tag, vr string, value interface{}) {
	element := &Element{
		Tag:   tag,
		VR:    vr,
		Value: value,
	}
	d.Elements[tag] = element
}

// GetElement returns an element by tag
func (d *Dataset) GetElement(tag Tag) (*Element, bool) {
	element, exists := d.Elements[tag]
	return element, exists
}

// GetString returns a string value for a tag
func (d *Dataset) GetString(tag Tag) string {
	if element, exists := d.Elements[tag]; exists {
		if str, ok := element.Value.(string); ok {
			return strings.TrimSpace(str)
		}
	}
	return ""
}

// GetStrings returns a slice of string values for a tag
func (d *Dataset) GetStrings(tag Tag) []string {
	if element, exists := d.Elements[tag]; exists {
		switch v := element.Value.(type) {
		case string:
			// Split by backslash for multiple values
			parts := strings.Split(v, "\\")
			result := make([]string, len(parts))
			for i, part := range parts {
				result[i] = strings.TrimSpace(part)
			}
			return result
		case []string:
			return v
		}
	}
	return nil
}

// ParseDataset parses a DICOM dataset from raw bytes (Explicit VR Little Endian)
func ParseDataset(data []byte) (*Dataset, error) {
	return parseExplicitVRDataset(data, false)
}

func parseExplicitVRDataset(data []byte, stopBeforePixelData bool) (*Dataset, error) {
	dataset := NewDataset()

	if len(data) == 0 {
		return dataset, nil
	}

	offset := 0
	for offset < len(data) {
		// Need at least 8 bytes for tag + VR + length
		if offset+8 > len(data) {
			break
		}

		// Read tag (4 bytes)
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		tag := Tag{Group: group, Element: element}

		if stopBeforePixelData && tag == tagPixelData {
			break
		}

		// Read VR (2 bytes)
		vr := string(data[offset+4 : offset+6])

		var length uint32
		var valueOffset int

		// Determine if this is a short or long VR
		// Short VRs: AE, AS, AT, CS, DA, DS, DT, FL, FD, IS, LO, LT, PN, SH, SL, SS, ST, TM, UI, UL, US
		// Long VRs: OB, OD, OF, OL, OW, SQ, UC, UR, UT, UN, OV, SV, UV
		isLongVR := vr == "OB" || vr == "OD" || vr == "OF" || vr == "OL" || vr == "OW" ||
			vr == "SQ" || vr == "UC" || vr == "UR" || vr == "UT" || vr == "UN" ||
			vr == "OV" || vr == "SV" || vr == "UV"

		if isLongVR {
			// Long VR: Tag (4) + VR (2) + Reserved (2) + Length (4) = 12 bytes header
			if offset+12 > len(data) {
				break
			}
			// Skip 2 reserved bytes
			length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
			valueOffset = offset + 12
		} else {
			// Short VR: Tag (4) + VR (2) + Length (2) = 8 bytes header
			length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
		}

		// Ensure we have enough data for the value
		if valueOffset+int(length) > len(data) {
			break
		}

		// Extract value
		valueData := data[valueOffset : valueOffset+int(length)]
		value := parseElementValue(tag, valueData)

		dataset.AddElement(tag, vr, value)

		// Move to next element (including padding if odd length)
		nextOffset := valueOffset + int(length)
		if length%2 == 1 {
			nextOffset++
		}
		offset = nextOffset
	}

	return dataset, nil
}

// ParseDatasetWithTransferSyntax parses a dataset using the provided transfer syntax.
func ParseDatasetWithTransferSyntax(data []byte, transferSyntaxUID string) (*Dataset, error) {
	return parseWithTransferSyntax(data, transferSyntaxUID, false)
}

// ParseDatasetHeader parses a dataset but stops before Pixel Data (7FE0,0010),
// so bulk data is never decoded. Indexing paths that only need identifying and
// descriptive attributes use this.
func ParseDatasetHeader(data []byte, transferSyntaxUID string) (*Dataset, error) {
	return parseWithTransferSyntax(data, transferSyntaxUID, true)
}

func parseWithTransferSyntax(data []byte, transferSyntaxUID string, stopBeforePixelData bool) (*Dataset, error) {
	switch transferSyntaxUID {
	case "", TransferSyntaxExplicitVRLittleEndian:
		return parseExplicitVRDataset(data, stopBeforePixelData)
	case TransferSyntaxImplicitVRLittleEndian:
		return parseImplicitVRDataset(data, stopBeforePixelData)
	case TransferSyntaxDeflatedExplicitVRLittleEndian:
		inflated, err := inflate(data)
		if err != nil {
			return nil, fmt.Errorf("inflate dataset: %w", err)
		}
		return parseExplicitVRDataset(inflated, stopBeforePixelData)
	default:
		return parseExplicitVRDataset(data, stopBeforePixelData)
	}
}

// inflate decompresses a deflated explicit VR dataset. The deflated transfer
// syntax carries a raw deflate stream without a zlib header.
func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}

func parseImplicitVRDataset(data []byte, stopBeforePixelData bool) (*Dataset, error) {
	dataset := NewDataset()

	if len(data) == 0 {
		return dataset, nil
	}

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		tag := Tag{Group: group, Element: element}

		if stopBeforePixelData && tag == tagPixelData {
			break
		}

		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		valueOffset := offset + 8

		if valueOffset+int(length) > len(data) {
			break
		}

		valueData := data[valueOffset : valueOffset+int(length)]
		vr := determineVR(tag)
		value := parseElementValue(tag, valueData)

		dataset.AddElement(tag, vr, value)

		nextOffset := valueOffset + int(length)
		if length%2 == 1 {
			nextOffset++
		}
		offset = nextOffset
	}

	return dataset, nil
}

// parseElementValue parses the value based on the tag and raw data
func parseElementValue(tag Tag, data []byte) interface{} {
	if len(data) == 0 {
		return ""
	}

	// For most query elements, we treat them as strings
	// Remove null padding
	value := string(data)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}

	return strings.TrimSpace(value)
}

// determineVR determines the VR based on the tag (simplified mapping)
func determineVR(tag Tag) string {
	// This is a simplified mapping - in practice you'd use a DICOM dictionary
	switch tag {
	case Tag{Group: 0x0008, Element: 0x0005}: // Specific Character Set
		return VR_CS
	case Tag{Group: 0x0008, Element: 0x0016}: // SOP Class UID
		return VR_UI
	case Tag{Group: 0x0008, Element: 0x0018}: // SOP Instance UID
		return VR_UI
	case Tag{Group: 0x0008, Element: 0x0020}: // Study Date
		return VR_DA
	case Tag{Group: 0x0008, Element: 0x0030}: // Study Time
		return VR_TM
	case Tag{Group: 0x0008, Element: 0x0050}: // Accession Number
		return VR_SH
	case Tag{Group: 0x0008, Element: 0x0052}: // Query/Retrieve Level
		return VR_CS
	case Tag{Group: 0x0008, Element: 0x0054}: // Retrieve AE Title
		return VR_AE
	case Tag{Group: 0x0008, Element: 0x0060}: // Modality
		return VR_CS
	case Tag{Group: 0x0008, Element: 0x0080}: // Institution Name
		return VR_LO
	case Tag{Group: 0x0008, Element: 0x0090}: // Referring Physician's Name
		return VR_PN
	case Tag{Group: 0x0008, Element: 0x1030}: // Study Description
		return VR_LO
	case Tag{Group: 0x0008, Element: 0x103E}: // Series Description
		return VR_LO
	case Tag{Group: 0x0008, Element: 0x1040}: // Institutional Department Name
		return VR_LO
	case Tag{Group: 0x0008, Element: 0x1050}: // Performing Physician's Name
		return VR_PN
	case Tag{Group: 0x0008, Element: 0x1060}: // Name of Physician(s) Reading Study
		return VR_PN
	case Tag{Group: 0x0008, Element: 0x1150}: // Referenced SOP Class UID
		return VR_UI
	case Tag{Group: 0x0008, Element: 0x1155}: // Referenced SOP Instance UID
		return VR_UI
	case Tag{Group: 0x0008, Element: 0x1195}: // Transaction UID
		return VR_UI
	case Tag{Group: 0x0008, Element: 0x1197}: // Failure Reason
		return VR_US
	case Tag{Group: 0x0008, Element: 0x1198}: // Failed SOP Sequence
		return VR_SQ
	case Tag{Group: 0x0008, Element: 0x1199}: // Referenced SOP Sequence
		return VR_SQ
	case Tag{Group: 0x0008, Element: 0x1070}: // Operators' Name
		return VR_PN
	case Tag{Group: 0x0010, Element: 0x0010}: // Patient's Name
		return VR_PN
	case Tag{Group: 0x0010, Element: 0x0020}: // Patient ID
		return VR_LO
	case Tag{Group: 0x0010, Element: 0x0030}: // Patient's Birth Date
		return VR_DA
	case Tag{Group: 0x0010, Element: 0x0040}: // Patient's Sex
		return VR_CS
	case Tag{Group: 0x0010, Element: 0x1010}: // Patient's Age
		return VR_AS
	case Tag{Group: 0x0018, Element: 0x0015}: // Body Part Examined
		return VR_CS
	case Tag{Group: 0x0020, Element: 0x000D}: // Study Instance UID
		return VR_UI
	case Tag{Group: 0x0020, Element: 0x000E}: // Series Instance UID
		return VR_UI
	case Tag{Group: 0x0020, Element: 0x0010}: // Study ID
		return VR_SH
	case Tag{Group: 0x0020, Element: 0x0011}: // Series Number
		return VR_IS
	case Tag{Group: 0x0020, Element: 0x0013}: // Instance Number
		return VR_IS
	case Tag{Group: 0x0020, Element: 0x0020}: // Patient Orientation
		return VR_CS
	default:
		return VR_UN // Unknown
	}
}

// EncodeDataset encodes a dataset to bytes (Explicit VR Little Endian)
func (d *Dataset) EncodeDataset() []byte {
	var result []byte

	// Collect tags and sort them (DICOM requires tag ordering)
	var tags []Tag
	for tag := range d.Elements {
		tags = append(tags, tag)
	}

	// Sort tags by group, then by element
	for i := 0; i < len(tags)-1; i++ {
		for j := i + 1; j < len(tags); j++ {
			if tags[i].Group > tags[j].Group ||
				(tags[i].Group == tags[j].Group && tags[i].Element > tags[j].Element) {
				tags[i], tags[j] = tags[j], tags[i]
			}
		}
	}

	// Add elements in sorted tag order (using Explicit VR Little Endian)
	for _, tag := range tags {
		element := d.Elements[tag]

		// Tag (4 bytes - Little Endian)
		tagBytes := make([]byte, 4)
		binary.LittleEndian.PutUint16(tagBytes[0:2], tag.Group)
		binary.LittleEndian.PutUint16(tagBytes[2:4], tag.Element)
		result = append(result, tagBytes...)

		// VR (2 bytes - ASCII)
		result = append(result, []byte(element.VR)...)

		// Encode value
		valueBytes := encodeElementValue(element)

		// Add padding if odd length (DICOM requires even lengths)
		if len(valueBytes)%2 == 1 {
			valueBytes = append(valueBytes, 0x20) // Use space padding for text elements
		}

		// For Explicit VR, length encoding depends on VR type
		// Short VRs (most string types): 2-byte length
		// Long VRs (OB, OW, SQ, UN, UT): 4-byte length with 2 reserved bytes
		isLongVR := element.VR == VR_OB || element.VR == VR_OW || element.VR == VR_SQ ||
			element.VR == VR_UN || element.VR == VR_UT || element.VR == VR_OD ||
			element.VR == VR_OF || element.VR == VR_OL || element.VR == VR_OV ||
			element.VR == VR_UC || element.VR == VR_UR

		if isLongVR {
			// Long VR format: VR (2 bytes) + Reserved (2 bytes) + Length (4 bytes)
			result = append(result, 0x00, 0x00) // Reserved bytes
			lengthBytes := make([]byte, 4)
			binary.LittleEndian.PutUint32(lengthBytes, uint32(len(valueBytes)))
			result = append(result, lengthBytes...)
		} else {
			// Short VR format: VR (2 bytes) + Length (2 bytes)
			if len(valueBytes) > 65535 {
				// Value too long for short VR format - truncate or error
				valueBytes = valueBytes[:65535]
			}
			lengthBytes := make([]byte, 2)
			binary.LittleEndian.PutUint16(lengthBytes, uint16(len(valueBytes)))
			result = append(result, lengthBytes...)
		}

		// Value (already padded)
		result = append(result, valueBytes...)
	}

	return result
}

// EncodeDatasetWithTransferSyntax encodes a dataset using the provided transfer syntax.
func EncodeDatasetWithTransferSyntax(dataset *Dataset, transferSyntaxUID string) ([]byte, error) {
	if dataset == nil {
		return nil, nil
	}

	switch transferSyntaxUID {
	case "", TransferSyntaxExplicitVRLittleEndian:
		return dataset.EncodeDataset(), nil
	case TransferSyntaxImplicitVRLittleEndian:
		return encodeImplicitVRDataset(dataset), nil
	case TransferSyntaxDeflatedExplicitVRLittleEndian:
		return deflateBytes(dataset.EncodeDataset())
	default:
		return dataset.EncodeDataset(), nil
	}
}

func deflateBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeImplicitVRDataset(dataset *Dataset) []byte {
	var result []byte

	var tags []Tag
	for tag := range dataset.Elements {
		tags = append(tags, tag)
	}

	for i := 0; i < len(tags)-1; i++ {
		for j := i + 1; j < len(tags); j++ {
			if tags[i].Group > tags[j].Group ||
				(tags[i].Group == tags[j].Group && tags[i].Element > tags[j].Element) {
				tags[i], tags[j] = tags[j], tags[i]
			}
		}
	}

	for _, tag := range tags {
		element := dataset.Elements[tag]

		tagBytes := make([]byte, 4)
		binary.LittleEndian.PutUint16(tagBytes[0:2], tag.Group)
		binary.LittleEndian.PutUint16(tagBytes[2:4], tag.Element)
		result = append(result, tagBytes...)

		valueBytes := encodeElementValue(element)
		if len(valueBytes)%2 == 1 {
			valueBytes = append(valueBytes, 0x20)
		}

		lengthBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(lengthBytes, uint32(len(valueBytes)))
		result = append(result, lengthBytes...)
		result = append(result, valueBytes...)
	}

	return result
}

// encodeElementValue encodes an element value to bytes
func encodeElementValue(element *Element) []byte {
	switch v := element.Value.(type) {
	case string:
		// For string VRs, ensure proper encoding
		value := v
		// Remove any existing null terminators and add proper padding
		value = strings.TrimRight(value, "\x00")
		return []byte(value)
	case []byte:
		return v
	case []string:
		joined := strings.Join(v, "\\")
		joined = strings.TrimRight(joined, "\x00")
		return []byte(joined)
	case int:
		return []byte(fmt.Sprintf("%d", v))
	case uint16:
		result := make([]byte, 2)
		binary.LittleEndian.PutUint16(result, v)
		return result
	case uint32:
		result := make([]byte, 4)
		binary.LittleEndian.PutUint32(result, v)
		return result
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}
