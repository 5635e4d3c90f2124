package cnc

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rzbill/beam/internal/config"
)

// FileName is the CnC file's name inside the driver directory.
const FileName = "cnc.dat"

// Version stamps the CnC layout.
const Version int32 = 1

// Header field offsets.
const (
	versionOffset               = 0
	filePageSizeOffset          = 4
	pidOffset                   = 8
	startTimestampOffset        = 16
	toDriverLengthOffset        = 24
	toClientsLengthOffset       = 28
	counterMetadataLengthOffset = 32
	counterValuesLengthOffset   = 36
	errorLogLengthOffset        = 40
	lossReportLengthOffset      = 44
	clientLivenessOffset        = 48
)

func alignUp(v, alignment int32) int32 {
	return (v + alignment - 1) &^ (alignment - 1)
}

// File is a mapped CnC file carved into its regions.
type File struct {
	path     string
	data     []byte
	pageSize int32

	toDriver        []byte
	toClients       []byte
	counterMetadata []byte
	counterValues   []byte
	errorLog        []byte
	lossReport      []byte
}

func totalLength(cfg config.Config) int64 {
	page := cfg.FilePageSize
	total := int64(page) // header page
	total += int64(alignUp(cfg.ConductorBufferLength, page))
	total += int64(alignUp(cfg.ToClientsBufferLength, page))
	total += int64(alignUp(counterMetadataLength(cfg), page))
	total += int64(alignUp(cfg.CounterValuesBufferLength, page))
	total += int64(alignUp(cfg.ErrorBufferLength, page))
	total += int64(alignUp(cfg.LossReportBufferLength, page))
	return total
}

// Counter metadata scales with the values region: one metadata record per
// value slot. The 512/128 ratio matches the counters package layouts.
func counterMetadataLength(cfg config.Config) int32 {
	return cfg.CounterValuesBufferLength * 4
}

// CreateFile builds the driver directory and maps a fresh CnC file.
func CreateFile(cfg config.Config) (*File, error) {
	dir := cfg.DirName
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create driver directory: %w", err)
	}
	for _, sub := range []string{"publications", "images"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create driver directory: %w", err)
		}
	}

	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create cnc file: %w", err)
	}
	defer f.Close()

	length := totalLength(cfg)
	if err := unix.Ftruncate(int(f.Fd()), length); err != nil {
		return nil, fmt.Errorf("size cnc file: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map cnc file: %w", err)
	}

	cnc := &File{path: path, data: data, pageSize: cfg.FilePageSize}
	cnc.writeHeader(cfg)
	cnc.carve(cfg)
	return cnc, nil
}

// MapExisting maps a running driver's CnC file read-only for tools.
func MapExisting(dir string) (*File, error) {
	path := filepath.Join(dir, FileName)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cnc file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map cnc file: %w", err)
	}

	cnc := &File{path: path, data: data}
	if cnc.Version() != Version {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("cnc version %d unsupported", cnc.Version())
	}
	cnc.pageSize = int32(binary.LittleEndian.Uint32(data[filePageSizeOffset:]))
	cnc.carveFromHeader()
	return cnc, nil
}

func (c *File) writeHeader(cfg config.Config) {
	binary.LittleEndian.PutUint32(c.data[filePageSizeOffset:], uint32(cfg.FilePageSize))
	binary.LittleEndian.PutUint64(c.data[pidOffset:], uint64(os.Getpid()))
	binary.LittleEndian.PutUint64(c.data[startTimestampOffset:], uint64(time.Now().UnixMilli()))
	binary.LittleEndian.PutUint32(c.data[toDriverLengthOffset:], uint32(cfg.ConductorBufferLength))
	binary.LittleEndian.PutUint32(c.data[toClientsLengthOffset:], uint32(cfg.ToClientsBufferLength))
	binary.LittleEndian.PutUint32(c.data[counterMetadataLengthOffset:], uint32(counterMetadataLength(cfg)))
	binary.LittleEndian.PutUint32(c.data[counterValuesLengthOffset:], uint32(cfg.CounterValuesBufferLength))
	binary.LittleEndian.PutUint32(c.data[errorLogLengthOffset:], uint32(cfg.ErrorBufferLength))
	binary.LittleEndian.PutUint32(c.data[lossReportLengthOffset:], uint32(cfg.LossReportBufferLength))
	binary.LittleEndian.PutUint64(c.data[clientLivenessOffset:], uint64(cfg.ClientLivenessTimeout.Ns()))
	// Version last: a client observing the version sees a complete header.
	binary.LittleEndian.PutUint32(c.data[versionOffset:], uint32(Version))
}

func (c *File) carve(cfg config.Config) {
	offset := c.pageSize
	next := func(length int32) []byte {
		region := c.data[offset : offset+length]
		offset += alignUp(length, c.pageSize)
		return region
	}
	c.toDriver = next(cfg.ConductorBufferLength)
	c.toClients = next(cfg.ToClientsBufferLength)
	c.counterMetadata = next(counterMetadataLength(cfg))
	c.counterValues = next(cfg.CounterValuesBufferLength)
	c.errorLog = next(cfg.ErrorBufferLength)
	c.lossReport = next(cfg.LossReportBufferLength)
}

func (c *File) carveFromHeader() {
	read := func(off int) int32 {
		return int32(binary.LittleEndian.Uint32(c.data[off:]))
	}
	offset := c.pageSize
	next := func(length int32) []byte {
		region := c.data[offset : offset+length]
		offset += alignUp(length, c.pageSize)
		return region
	}
	c.toDriver = next(read(toDriverLengthOffset))
	c.toClients = next(read(toClientsLengthOffset))
	c.counterMetadata = next(read(counterMetadataLengthOffset))
	c.counterValues = next(read(counterValuesLengthOffset))
	c.errorLog = next(read(errorLogLengthOffset))
	c.lossReport = next(read(lossReportLengthOffset))
}

// Version reads the layout version.
func (c *File) Version() int32 {
	return int32(binary.LittleEndian.Uint32(c.data[versionOffset:]))
}

// PID reads the driver's process id.
func (c *File) PID() int64 { return int64(binary.LittleEndian.Uint64(c.data[pidOffset:])) }

// ToDriver returns the command ring region.
func (c *File) ToDriver() []byte { return c.toDriver }

// ToClients returns the broadcast region.
func (c *File) ToClients() []byte { return c.toClients }

// CounterMetadata returns the counters metadata region.
func (c *File) CounterMetadata() []byte { return c.counterMetadata }

// CounterValues returns the counters values region.
func (c *File) CounterValues() []byte { return c.counterValues }

// ErrorLog returns the distinct error log region.
func (c *File) ErrorLog() []byte { return c.errorLog }

// LossReport returns the loss report region.
func (c *File) LossReport() []byte { return c.lossReport }

// Path returns the file path.
func (c *File) Path() string { return c.path }

// Close unmaps the file.
func (c *File) Close() error {
	if c.data == nil {
		return nil
	}
	err := unix.Munmap(c.data)
	c.data = nil
	return err
}
