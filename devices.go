package main

import (
	"time"

	"github.com/asdine/storm/v3"

	"github.com/CodedInternet/gomihu/kit"
)

// Peripheral is a kit the server has connected to before.
type Peripheral struct {
	ID       int    `storm:"increment"` // pk
	Address  string `storm:"unique"`
	Name     string
	Link     string
	LastSeen time.Time `storm:"index"`
	LastBy   string    // operator that last connected it
}

// rememberDevice records d as the most recently used peripheral, connected
// by the named operator. Devices without an address (serial, simulated) are
// keyed by name.
func rememberDevice(db *storm.DB, d kit.Device, by string) error {
	key := d.Address
	if key == "" {
		key = d.Link + ":" + d.Name
	}

	var p Peripheral
	err := db.One("Address", key, &p)
	if err != nil && err != storm.ErrNotFound {
		return err
	}

	p.Address = key
	p.Name = d.Name
	p.Link = d.Link
	p.LastSeen = time.Now().UTC()
	p.LastBy = by
	return db.Save(&p)
}

// lastPeripheral returns the most recently used BLE peripheral.
func lastPeripheral(db *storm.DB) (p Peripheral, err error) {
	var ps []Peripheral
	err = db.Select().OrderBy("LastSeen").Reverse().Find(&ps)
	if err != nil {
		return
	}

	for _, candidate := range ps {
		if candidate.Link == kit.LINK_BLE {
			return candidate, nil
		}
	}
	return p, storm.ErrNotFound
}
