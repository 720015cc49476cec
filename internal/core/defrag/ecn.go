package defrag

// ECN codepoints live in the low two bits of the TOS byte. The union
// of the codepoints seen across a queue's fragments is tracked as a
// 4-bit set, one bit per codepoint.
const (
	ecnNotECT = 1 << 0 // codepoint 0b00
	ecnECT1   = 1 << 1 // codepoint 0b01
	ecnECT0   = 1 << 2 // codepoint 0b10
	ecnCE     = 1 << 3 // codepoint 0b11

	ceCodepoint = 0x03
	ecnInvalid  = 0xff
)

func ecnBit(tos uint8) uint8 {
	return 1 << (tos & 0x03)
}

// ecnTable maps a union of observed codepoints to the codepoint OR'd
// into the reassembled header, per RFC 3168 §5.3: a CE mark on any
// ECT fragment must survive reassembly, and mixing Not-ECT with any
// ECN-capable marking is corruption.
var ecnTable = [16]uint8{
	ecnCE | ecnECT0:           ceCodepoint,
	ecnCE | ecnECT1:           ceCodepoint,
	ecnCE | ecnECT0 | ecnECT1: ceCodepoint,

	ecnNotECT | ecnCE:                     ecnInvalid,
	ecnNotECT | ecnECT0:                   ecnInvalid,
	ecnNotECT | ecnECT1:                   ecnInvalid,
	ecnNotECT | ecnCE | ecnECT0:           ecnInvalid,
	ecnNotECT | ecnCE | ecnECT1:           ecnInvalid,
	ecnNotECT | ecnECT0 | ecnECT1:         ecnInvalid,
	ecnNotECT | ecnCE | ecnECT0 | ecnECT1: ecnInvalid,
}

// ecnReassemble resolves a queue's ECN union. The second return is
// false for invalid combinations.
func ecnReassemble(union uint8) (uint8, bool) {
	v := ecnTable[union&0x0f]
	if v == ecnInvalid {
		return 0, false
	}
	return v, true
}
