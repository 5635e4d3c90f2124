package cnc

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/rzbill/beam/internal/logbuffer"
)

// MappedLogFactory creates log buffers backed by files in the driver
// directory so client processes can map them.
type MappedLogFactory struct {
	Dir      string
	PageSize int32
}

// NewPublicationLog implements driver.LogFactory.
func (f *MappedLogFactory) NewPublicationLog(registrationID int64, initialTermID, termLength, mtuLength int32) (*logbuffer.LogBuffer, string, error) {
	name := filepath.Join(f.Dir, "publications", fmt.Sprintf("%d.logbuffer", registrationID))
	return f.mapLog(name, registrationID, initialTermID, termLength, mtuLength)
}

// NewImageLog implements driver.LogFactory.
func (f *MappedLogFactory) NewImageLog(correlationID int64, initialTermID, termLength, mtuLength int32) (*logbuffer.LogBuffer, string, error) {
	name := filepath.Join(f.Dir, "images", fmt.Sprintf("%d.logbuffer", correlationID))
	return f.mapLog(name, correlationID, initialTermID, termLength, mtuLength)
}

func (f *MappedLogFactory) mapLog(name string, correlationID int64, initialTermID, termLength, mtuLength int32) (*logbuffer.LogBuffer, string, error) {
	if err := logbuffer.CheckTermLength(termLength); err != nil {
		return nil, "", err
	}
	file, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("create log file: %w", err)
	}
	defer file.Close()

	length := logbuffer.ComputeLogLength(termLength, f.PageSize)
	if err := unix.Ftruncate(int(file.Fd()), length); err != nil {
		return nil, "", fmt.Errorf("size log file: %w", err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, "", fmt.Errorf("map log file: %w", err)
	}

	lb := logbuffer.NewLogBuffer(data, termLength)
	lb.Meta().Init(correlationID, initialTermID, termLength, mtuLength, f.PageSize)
	lb.OnFree(func() error {
		if err := unix.Munmap(data); err != nil {
			return err
		}
		return os.Remove(name)
	})
	return lb, name, nil
}
