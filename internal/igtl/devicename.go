package igtl

import "strings"

// SplitDeviceName splits a device name into its prefix and uid, per
// spec.md §6's naming scheme: "prefix[_uid]"; the uid is the portion after
// the last underscore, if any. An empty uid means the name carries no
// dedupe-eligible uid.
func SplitDeviceName(name string) (prefix, uid string) {
	idx := strings.LastIndex(name, "_")
	if idx < 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}

// JoinDeviceName reassembles a device name from a prefix and uid, the
// inverse of SplitDeviceName, for echoing the full name on responses.
func JoinDeviceName(prefix, uid string) string {
	if uid == "" {
		return prefix
	}
	return prefix + "_" + uid
}
