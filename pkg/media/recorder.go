package media

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
)

// IVFRecorder writes received VP8 RTP packets to an IVF file
type IVFRecorder struct {
	mu      sync.Mutex
	writer  *ivfwriter.IVFWriter
	packets int
}

// NewIVFRecorder creates path and prepares it for writing
func NewIVFRecorder(path string) (*IVFRecorder, error) {
	w, err := ivfwriter.New(path)
	if err != nil {
		return nil, err
	}
	return &IVFRecorder{writer: w}, nil
}

// WriteRTP appends a packet
func (r *IVFRecorder) WriteRTP(pkt *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writer.WriteRTP(pkt); err != nil {
		return err
	}
	r.packets++
	return nil
}

// Packets returns how many packets were written
func (r *IVFRecorder) Packets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets
}

func (r *IVFRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Close()
}
