package export

import (
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Snapshot is a CBOR-serializable capture of one fused BEV state, used for
// offline inspection and cross-process handoff.
type Snapshot struct {
	SceneID   string    `cbor:"scene_id"`
	Timestamp time.Time `cbor:"ts"`
	BEVH      int       `cbor:"bev_h"`
	BEVW      int       `cbor:"bev_w"`
	Batch     int       `cbor:"batch"`
	Dims      int       `cbor:"dims"`
	Data      []float32 `cbor:"data"`
}

// Validate checks the snapshot's own bookkeeping against its payload.
func (s *Snapshot) Validate() error {
	want := s.BEVH * s.BEVW * s.Batch * s.Dims
	if len(s.Data) != want {
		return fmt.Errorf("export: snapshot holds %d values, metadata implies %d", len(s.Data), want)
	}
	return nil
}

// Marshal encodes the snapshot as CBOR.
func (s *Snapshot) Marshal() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return cbor.Marshal(s)
}

// UnmarshalSnapshot decodes and validates a CBOR snapshot.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// WriteFile writes the snapshot to path.
func (s *Snapshot) WriteFile(path string) error {
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSnapshotFile loads a snapshot from path.
func ReadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalSnapshot(data)
}
