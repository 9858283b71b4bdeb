package hexutil

const hexd = "0123456789ABCDEF"

// Bytes converts a byte slice to a hexadecimal string.
func Bytes(b []byte) string {
	out := make([]byte, 0, len(b)*2)
	for _, x := range b {
		out = append(out, hexd[x>>4], hexd[x&0x0F])
	}
	return string(out)
}

// Preview formats at most max bytes as hex, marking how many were elided.
// Frame logging uses it so a full-size chunk does not flood the log.
func Preview(b []byte, max int) string {
	if max < 0 {
		max = 0
	}
	if len(b) <= max {
		return Bytes(b)
	}
	return Bytes(b[:max]) + "..(" + itoa(len(b)-max) + " more)"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
