package edm

import (
	"fmt"
	"math"
	"strconv"
)

// ParseDDDMMSS converts a packed degrees/minutes/seconds field such as
// "0451530" (45°15'30") to decimal degrees. Six-digit values are read as if
// they had a leading zero.
func ParseDDDMMSS(s string) (float64, error) {
	if len(s) < 6 || len(s) > 7 {
		return 0, fmt.Errorf("invalid angle string length: got %d for '%s'", len(s), s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("invalid angle string '%s'", s)
		}
	}
	if len(s) == 6 {
		s = "0" + s
	}
	ddd, _ := strconv.Atoi(s[0:3])
	mm, _ := strconv.Atoi(s[3:5])
	ss, _ := strconv.Atoi(s[5:7])
	if mm >= 60 || ss >= 60 {
		return 0, fmt.Errorf("invalid angle values (MM or SS >= 60) in '%s'", s)
	}
	if ddd >= 360 {
		return 0, fmt.Errorf("invalid angle degrees (>= 360) in '%s'", s)
	}
	return float64(ddd) + float64(mm)/60.0 + float64(ss)/3600.0, nil
}

// FormatDDDMMSS is the inverse of ParseDDDMMSS, rounded to the nearest
// second.
func FormatDDDMMSS(deg float64) string {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	total := int(math.Round(deg * 3600))
	total %= 360 * 3600
	return fmt.Sprintf("%03d%02d%02d", total/3600, (total/60)%60, total%60)
}
