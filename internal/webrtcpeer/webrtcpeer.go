// Package webrtcpeer establishes and drives pion/webrtc PeerConnections
// between two endpoints, carrying chunked application payloads over one or
// more labelled data channels.
package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// NewAPI builds the pion API shared by every PeerConnection this process
// creates.
func NewAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine)), nil
}
