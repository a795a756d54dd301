package wire

const paddingBlockSize = 80

// Pad adds transport padding to an encoded content envelope.
// Format: [content] [0x80] [0x00...] padded to 80-byte blocks. The +1 -1
// accounts for the session cipher's own padding byte.
func Pad(content []byte) []byte {
	paddedLen := paddedMessageLength(len(content)+1) - 1
	padded := make([]byte, paddedLen)
	copy(padded, content)
	padded[len(content)] = 0x80
	return padded
}

// Unpad strips transport padding, scanning back to the 0x80 terminator.
func Unpad(padded []byte) []byte {
	for i := len(padded) - 1; i >= 0; i-- {
		switch padded[i] {
		case 0x80:
			return padded[:i]
		case 0x00:
			continue
		default:
			// No terminator; treat the whole buffer as content.
			return padded
		}
	}
	return padded
}

func paddedMessageLength(messageLength int) int {
	withTerminator := messageLength + 1
	parts := withTerminator / paddingBlockSize
	if withTerminator%paddingBlockSize != 0 {
		parts++
	}
	return parts * paddingBlockSize
}
