package beacon

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// Advertisement is one received advertisement, reduced to the fields the
// matcher needs. Service data is keyed by 16-bit service UUID; entries with
// longer UUIDs are not relevant here and are dropped by the adapter.
type Advertisement struct {
	Address          string
	RSSI             int16
	ManufacturerData map[uint16][]byte
	ServiceData      map[uint16][]byte
}

// Scanner delivers advertisements to a callback until the context is
// cancelled. Scan blocks for the lifetime of the scan.
type Scanner interface {
	Scan(ctx context.Context, fn func(Advertisement)) error
}

// BluetoothScanner adapts the host Bluetooth adapter to the Scanner
// contract.
type BluetoothScanner struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	enabled bool
}

// NewBluetoothScanner returns a scanner over the default host adapter.
func NewBluetoothScanner() *BluetoothScanner {
	return &BluetoothScanner{adapter: bluetooth.DefaultAdapter}
}

func (s *BluetoothScanner) enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return nil
	}
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}
	s.enabled = true
	return nil
}

// Scan runs a scan until ctx is done, invoking fn for each received
// advertisement.
func (s *BluetoothScanner) Scan(ctx context.Context, fn func(Advertisement)) error {
	if err := s.enable(); err != nil {
		return err
	}

	scanDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// StopScan unblocks the Scan call below.
			_ = s.adapter.StopScan()
		case <-scanDone:
		}
	}()

	err := s.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		fn(convertScanResult(result))
	})
	close(scanDone)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("bluetooth scan failed: %w", err)
	}
	return nil
}

func convertScanResult(result bluetooth.ScanResult) Advertisement {
	adv := Advertisement{
		Address: result.Address.String(),
		RSSI:    result.RSSI,
	}
	for _, md := range result.ManufacturerData() {
		if adv.ManufacturerData == nil {
			adv.ManufacturerData = make(map[uint16][]byte)
		}
		adv.ManufacturerData[md.CompanyID] = md.Data
	}
	for _, sd := range result.ServiceData() {
		if !sd.UUID.Is16Bit() {
			continue
		}
		if adv.ServiceData == nil {
			adv.ServiceData = make(map[uint16][]byte)
		}
		adv.ServiceData[sd.UUID.Get16Bit()] = sd.Data
	}
	return adv
}
