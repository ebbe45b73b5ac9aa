package dicom

import (
	"encoding/binary"
	"fmt"

	"github.com/caio-sobreiro/tinypacs/types"
)

// Storage commitment attributes (DICOM PS3.4 Annex J).
var (
	TagTransactionUID           = Tag{Group: 0x0008, Element: 0x1195}
	TagReferencedSOPSequence    = Tag{Group: 0x0008, Element: 0x1199}
	TagFailedSOPSequence        = Tag{Group: 0x0008, Element: 0x1198}
	TagReferencedSOPClassUID    = Tag{Group: 0x0008, Element: 0x1150}
	TagReferencedSOPInstanceUID = Tag{Group: 0x0008, Element: 0x1155}
	TagFailureReason            = Tag{Group: 0x0008, Element: 0x1197}
)

// FailureReasonNoSuchObjectInstance is the failure reason reported for
// instances the commitment request referenced but the server does not hold.
const FailureReasonNoSuchObjectInstance = 0x0112

// StorageCommitmentRequest is the decoded N-ACTION data set of a storage
// commitment push model request.
type StorageCommitmentRequest struct {
	TransactionUID string
	References     []types.SOPReference
}

// StorageCommitmentResult is the N-EVENT-REPORT data set closing a
// commitment transaction: which of the referenced instances are safely
// stored and which are not.
type StorageCommitmentResult struct {
	TransactionUID string
	Success        []types.SOPReference
	Failed         []types.SOPReference
}

const undefinedLength = 0xFFFFFFFF

// ParseStorageCommitmentRequest decodes an N-ACTION commitment data set.
func ParseStorageCommitmentRequest(data []byte, transferSyntaxUID string) (*StorageCommitmentRequest, error) {
	req := &StorageCommitmentRequest{}
	explicit := transferSyntaxUID != TransferSyntaxImplicitVRLittleEndian
	err := walkElements(data, explicit, func(tag Tag, vr string, value []byte) error {
		switch tag {
		case TagTransactionUID:
			req.TransactionUID = trimUID(value)
		case TagReferencedSOPSequence:
			refs, err := parseSOPReferenceItems(value, explicit)
			if err != nil {
				return err
			}
			req.References = refs
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if req.TransactionUID == "" {
		return nil, fmt.Errorf("commitment request has no transaction UID")
	}
	return req, nil
}

// ParseStorageCommitmentResult decodes an N-EVENT-REPORT commitment data set.
func ParseStorageCommitmentResult(data []byte, transferSyntaxUID string) (*StorageCommitmentResult, error) {
	res := &StorageCommitmentResult{}
	explicit := transferSyntaxUID != TransferSyntaxImplicitVRLittleEndian
	err := walkElements(data, explicit, func(tag Tag, vr string, value []byte) error {
		switch tag {
		case TagTransactionUID:
			res.TransactionUID = trimUID(value)
		case TagReferencedSOPSequence:
			refs, err := parseSOPReferenceItems(value, explicit)
			if err != nil {
				return err
			}
			res.Success = refs
		case TagFailedSOPSequence:
			refs, err := parseSOPReferenceItems(value, explicit)
			if err != nil {
				return err
			}
			res.Failed = refs
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// EncodeStorageCommitmentRequest encodes an N-ACTION commitment data set.
func EncodeStorageCommitmentRequest(req *StorageCommitmentRequest, transferSyntaxUID string) []byte {
	explicit := transferSyntaxUID != TransferSyntaxImplicitVRLittleEndian
	var buf []byte
	buf = appendElement(buf, TagTransactionUID, VR_UI, padUID(req.TransactionUID), explicit)
	buf = appendSequence(buf, TagReferencedSOPSequence, req.References, false, explicit)
	return buf
}

// EncodeStorageCommitmentResult encodes an N-EVENT-REPORT commitment data
// set. Empty sequences are omitted, as PS3.4 J.3.3 requires.
func EncodeStorageCommitmentResult(res *StorageCommitmentResult, transferSyntaxUID string) []byte {
	explicit := transferSyntaxUID != TransferSyntaxImplicitVRLittleEndian
	var buf []byte
	buf = appendElement(buf, TagTransactionUID, VR_UI, padUID(res.TransactionUID), explicit)
	if len(res.Success) > 0 {
		buf = appendSequence(buf, TagReferencedSOPSequence, res.Success, false, explicit)
	}
	if len(res.Failed) > 0 {
		buf = appendSequence(buf, TagFailedSOPSequence, res.Failed, true, explicit)
	}
	return buf
}

func appendElement(buf []byte, tag Tag, vr string, value []byte, explicit bool) []byte {
	if explicit {
		return appendExplicitElement(buf, tag, vr, value)
	}
	return appendImplicitElement(buf, tag, value)
}

func appendSequence(buf []byte, tag Tag, refs []types.SOPReference, withFailureReason, explicit bool) []byte {
	var items []byte
	for _, ref := range refs {
		var item []byte
		item = appendElement(item, TagReferencedSOPClassUID, VR_UI, padUID(ref.ClassUID), explicit)
		item = appendElement(item, TagReferencedSOPInstanceUID, VR_UI, padUID(ref.InstanceUID), explicit)
		if withFailureReason {
			reason := make([]byte, 2)
			binary.LittleEndian.PutUint16(reason, FailureReasonNoSuchObjectInstance)
			item = appendElement(item, TagFailureReason, VR_US, reason, explicit)
		}

		var hdr [8]byte
		binary.LittleEndian.PutUint16(hdr[0:2], 0xFFFE)
		binary.LittleEndian.PutUint16(hdr[2:4], 0xE000)
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(item)))
		items = append(items, hdr[:]...)
		items = append(items, item...)
	}
	return appendElement(buf, tag, VR_SQ, items, explicit)
}

func parseSOPReferenceItems(data []byte, explicit bool) ([]types.SOPReference, error) {
	var refs []types.SOPReference
	err := walkItems(data, explicit, func(item []byte) error {
		var ref types.SOPReference
		err := walkElements(item, explicit, func(tag Tag, vr string, value []byte) error {
			switch tag {
			case TagReferencedSOPClassUID:
				ref.ClassUID = trimUID(value)
			case TagReferencedSOPInstanceUID:
				ref.InstanceUID = trimUID(value)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if ref.InstanceUID == "" {
			return fmt.Errorf("sequence item without referenced SOP instance UID")
		}
		refs = append(refs, ref)
		return nil
	})
	return refs, err
}

// walkElements iterates top-level elements of a data set fragment. For
// sequences, value holds the raw item stream with any trailing sequence
// delimiter removed.
func walkElements(data []byte, explicit bool, fn func(tag Tag, vr string, value []byte) error) error {
	offset := 0
	for offset+8 <= len(data) {
		tag := Tag{
			Group:   binary.LittleEndian.Uint16(data[offset : offset+2]),
			Element: binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
		}
		var vr string
		var length uint32
		var valueOff int
		if explicit {
			vr = string(data[offset+4 : offset+6])
			if isLongVR(vr) {
				if offset+12 > len(data) {
					return fmt.Errorf("truncated element header at %s", tag)
				}
				length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
				valueOff = offset + 12
			} else {
				length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
				valueOff = offset + 8
			}
		} else {
			vr = determineVR(tag)
			length = binary.LittleEndian.Uint32(data[offset+4 : offset+8])
			valueOff = offset + 8
		}

		if length == undefinedLength {
			end, err := sequenceEnd(data, valueOff, explicit)
			if err != nil {
				return err
			}
			if err := fn(tag, vr, data[valueOff:end]); err != nil {
				return err
			}
			offset = end + 8 // skip the sequence delimitation item
			continue
		}

		if valueOff+int(length) > len(data) {
			return fmt.Errorf("element %s overruns data set (%d bytes)", tag, length)
		}
		if err := fn(tag, vr, data[valueOff:valueOff+int(length)]); err != nil {
			return err
		}
		offset = valueOff + int(length)
		if length%2 == 1 {
			offset++
		}
	}
	return nil
}

// walkItems iterates the (FFFE,E000) items of a sequence value.
func walkItems(data []byte, explicit bool, fn func(item []byte) error) error {
	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if group == 0xFFFE && element == 0xE0DD {
			return nil
		}
		if group != 0xFFFE || element != 0xE000 {
			return fmt.Errorf("expected sequence item, found (%04x,%04x)", group, element)
		}
		offset += 8

		var item []byte
		if length == undefinedLength {
			end, err := itemEnd(data, offset, explicit)
			if err != nil {
				return err
			}
			item = data[offset:end]
			offset = end + 8 // skip the item delimitation item
		} else {
			if offset+int(length) > len(data) {
				return fmt.Errorf("sequence item overruns sequence (%d bytes)", length)
			}
			item = data[offset : offset+int(length)]
			offset += int(length)
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

// itemEnd walks element headers inside an undefined-length item until the
// (FFFE,E00D) item delimitation item.
func itemEnd(data []byte, offset int, explicit bool) (int, error) {
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		if group == 0xFFFE && element == 0xE00D {
			return offset, nil
		}
		var length uint32
		if explicit {
			vr := string(data[offset+4 : offset+6])
			if isLongVR(vr) {
				length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
				offset += 12
			} else {
				length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
				offset += 8
			}
		} else {
			length = binary.LittleEndian.Uint32(data[offset+4 : offset+8])
			offset += 8
		}
		if length == undefinedLength {
			return 0, fmt.Errorf("nested undefined-length element inside sequence item")
		}
		offset += int(length)
		if length%2 == 1 {
			offset++
		}
	}
	return 0, fmt.Errorf("unterminated sequence item")
}

// sequenceEnd finds the (FFFE,E0DD) delimiter of an undefined-length
// sequence by walking its items.
func sequenceEnd(data []byte, offset int, explicit bool) (int, error) {
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if group == 0xFFFE && element == 0xE0DD {
			return offset, nil
		}
		if group != 0xFFFE || element != 0xE000 {
			return 0, fmt.Errorf("expected sequence item, found (%04x,%04x)", group, element)
		}
		offset += 8
		if length == undefinedLength {
			end, err := itemEnd(data, offset, explicit)
			if err != nil {
				return 0, err
			}
			offset = end + 8
		} else {
			offset += int(length)
		}
	}
	return 0, fmt.Errorf("unterminated sequence")
}

func isLongVR(vr string) bool {
	switch vr {
	case VR_OB, VR_OD, VR_OF, VR_OL, VR_OV, VR_OW, VR_SQ, VR_UC, VR_UN, VR_UR, VR_UT, VR_SV, VR_UV:
		return true
	}
	return false
}

func trimUID(value []byte) string {
	s := string(value)
	for len(s) > 0 && (s[len(s)-1] == 0 || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
