package util

import "strings"

// UpperFirstWord raises a JSON key's first letter so it can address
// the exported struct field of the same name.
func UpperFirstWord(inputStr string) string {
	return strings.ToUpper(inputStr[0:1]) + inputStr[1:]
}

// HashString is the 31*h+c rolling hash; consume-queue tags codes use
// it so tag filters agree with clients that compute the same hash.
func HashString(s string) int {
	val := []byte(s)
	var h int32

	for idx := range val {
		h = 31*h + int32(val[idx])
	}

	return int(h)
}
