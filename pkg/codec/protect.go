package codec

import "encoding/binary"

// Идентификатор SCMS-T в дескрипторе защиты контента
const CPTypeSCMST uint16 = 0x0002

// Значения флага SCMS-T в заголовке медиапакета
const (
	CPCopyNever byte = 0x00
	CPCopyOnce  byte = 0x01
	CPCopyFree  byte = 0x02
	cpCopyMask  byte = 0x03
)

// SCMSTDescriptor дескриптор защиты контента локальной конечной точки: LOSC, cp_id (LE)
func SCMSTDescriptor() []byte {
	return []byte{0x02, 0x02, 0x00}
}

// IsSCMST проверяет, что дескриптор описывает SCMS-T
func IsSCMST(desc []byte) bool {
	if len(desc) < 3 || desc[0] < 2 {
		return false
	}
	return binary.LittleEndian.Uint16(desc[1:3]) == CPTypeSCMST
}

// hasSCMST ищет SCMS-T среди numProtect дескрипторов, идущих подряд
func hasSCMST(protect []byte, numProtect int) bool {
	for i := 0; i < numProtect && len(protect) > 0; i++ {
		if IsSCMST(protect) {
			return true
		}
		next := int(protect[0]) + 1
		if next > len(protect) {
			return false
		}
		protect = protect[next:]
	}
	return false
}
