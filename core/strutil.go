package core

// itoa formats n in decimal. Firmware builds avoid strconv and fmt.
func itoa(n int) string {
	if n < 0 {
		return "-" + utoa64(uint64(-n))
	}
	return utoa64(uint64(n))
}

func utoa64(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[pos:])
}

// valueToString renders a dictionary constant. Unknown types render empty.
func valueToString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return itoa(val)
	case int32:
		return itoa(int(val))
	case int64:
		return itoa(int(val))
	case uint:
		return utoa64(uint64(val))
	case uint8:
		return utoa64(uint64(val))
	case uint16:
		return utoa64(uint64(val))
	case uint32:
		return utoa64(uint64(val))
	case uint64:
		return utoa64(val)
	default:
		return ""
	}
}
