package webrtcpeer

import (
	"fmt"
	"strconv"
	"strings"
)

const dataChannelLabelPrefix = "p2p-"

// channelLabel returns the label for the i'th data channel the offerer opens.
func channelLabel(i int) string {
	return fmt.Sprintf("%s%d", dataChannelLabelPrefix, i)
}

// channelIndex parses a label produced by channelLabel, returning false for
// anything else.
func channelIndex(label string) (int, bool) {
	rest, ok := strings.CutPrefix(label, dataChannelLabelPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
