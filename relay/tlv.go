package relay

import "fmt"

// TLV field types of a private message body. Each field is encoded as
// [type(1)][length(1)][value], so values are bounded at 255 bytes.
const (
	tlvMessageID uint8 = 0x00
	tlvContent   uint8 = 0x01
)

// maxTLVValueLen is the largest value a one-byte length field can carry.
const maxTLVValueLen = 255

// encodePrivateMessageBody encodes {messageID, content} as TLV.
func encodePrivateMessageBody(messageID, content string) ([]byte, error) {
	if len(messageID) == 0 || len(messageID) > maxTLVValueLen {
		return nil, fmt.Errorf("%w: message ID length %d", ErrMalformed, len(messageID))
	}
	if len(content) > maxTLVValueLen {
		return nil, fmt.Errorf("%w: content length %d exceeds %d", ErrMalformed, len(content), maxTLVValueLen)
	}

	buf := make([]byte, 0, 4+len(messageID)+len(content))
	buf = append(buf, tlvMessageID, uint8(len(messageID)))
	buf = append(buf, messageID...)
	buf = append(buf, tlvContent, uint8(len(content)))
	buf = append(buf, content...)
	return buf, nil
}

// DecodePrivateMessageBody parses a TLV private message body back into its
// message ID and content.
func DecodePrivateMessageBody(body []byte) (messageID, content string, err error) {
	var haveID, haveContent bool

	for offset := 0; offset < len(body); {
		if offset+2 > len(body) {
			return "", "", fmt.Errorf("%w: truncated TLV header", ErrMalformed)
		}
		fieldType := body[offset]
		fieldLen := int(body[offset+1])
		offset += 2

		if offset+fieldLen > len(body) {
			return "", "", fmt.Errorf("%w: truncated TLV value", ErrMalformed)
		}
		value := body[offset : offset+fieldLen]
		offset += fieldLen

		switch fieldType {
		case tlvMessageID:
			messageID = string(value)
			haveID = true
		case tlvContent:
			content = string(value)
			haveContent = true
		default:
			// Unknown fields are skipped for forward compatibility.
		}
	}

	if !haveID || !haveContent {
		return "", "", fmt.Errorf("%w: missing private message fields", ErrMalformed)
	}
	return messageID, content, nil
}
