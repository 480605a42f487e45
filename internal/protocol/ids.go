package protocol

import (
	"strconv"
	"strings"
)

// ParseIDPair extracts the "<slot>-<car>" pair embedded in vehicle packets
// such as "Od:3-1" or "Os:ROLE:nick:3-1:{...}". The pair is the first
// colon-separated segment that matches digits '-' digits. Returns (-1, -1)
// when no such segment exists.
func ParseIDPair(payload string) (slotID, carID int) {
	start := strings.IndexByte(payload, ':')
	if start == -1 {
		return -1, -1
	}
	rest := payload[start+1:]
	for {
		seg := rest
		if i := strings.IndexByte(rest, ':'); i != -1 {
			seg = rest[:i]
			rest = rest[i+1:]
		} else {
			rest = ""
		}
		if s, c, ok := splitIDPair(seg); ok {
			return s, c
		}
		if rest == "" {
			return -1, -1
		}
	}
}

func splitIDPair(seg string) (int, int, bool) {
	dash := strings.IndexByte(seg, '-')
	if dash <= 0 || dash == len(seg)-1 {
		return 0, 0, false
	}
	slot, err := strconv.Atoi(seg[:dash])
	if err != nil {
		return 0, 0, false
	}
	car, err := strconv.Atoi(seg[dash+1:])
	if err != nil {
		return 0, 0, false
	}
	return slot, car, true
}

// SlotFromDatagram recovers the originating slot from the first datagram
// byte, which carries slot+1. Returns -1 for an empty datagram.
func SlotFromDatagram(b []byte) int {
	if len(b) == 0 {
		return -1
	}
	return int(b[0]) - 1
}

// ExtractJSON returns the substring of s from the first '{' onward, which is
// how vehicle packets embed their description object.
func ExtractJSON(s string) (string, bool) {
	i := strings.IndexByte(s, '{')
	if i == -1 {
		return "", false
	}
	return s[i:], true
}
