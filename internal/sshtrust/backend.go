package sshtrust

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/ebowwa/mcp-ssh-manager/internal/database"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshkeys"
)

type endpoint struct {
	host string
	port int
}

// MemoryBackend keeps records in a map.
type MemoryBackend struct {
	records map[endpoint][]sshkeys.Fingerprint
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[endpoint][]sshkeys.Fingerprint)}
}

func (m *MemoryBackend) Get(host string, port int) ([]sshkeys.Fingerprint, error) {
	fps := m.records[endpoint{host, port}]
	return append([]sshkeys.Fingerprint(nil), fps...), nil
}

func (m *MemoryBackend) Put(host string, port int, fps []sshkeys.Fingerprint) error {
	m.records[endpoint{host, port}] = append([]sshkeys.Fingerprint(nil), fps...)
	return nil
}

func (m *MemoryBackend) Delete(host string, port int) error {
	delete(m.records, endpoint{host, port})
	return nil
}

func (m *MemoryBackend) List() ([]Record, error) {
	out := make([]Record, 0, len(m.records))
	for ep, fps := range m.records {
		out = append(out, Record{Host: ep.host, Port: ep.port, Fingerprints: append([]sshkeys.Fingerprint(nil), fps...)})
	}
	return out, nil
}

// GormBackend stores records in the trusted_host_keys table.
type GormBackend struct {
	db *gorm.DB
}

func NewGormBackend(db *gorm.DB) *GormBackend {
	return &GormBackend{db: db}
}

func (g *GormBackend) Get(host string, port int) ([]sshkeys.Fingerprint, error) {
	var rows []database.TrustedHostKey
	if err := g.db.Where("host = ? AND port = ?", host, port).Order("algorithm").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]sshkeys.Fingerprint, len(rows))
	for i, r := range rows {
		out[i] = sshkeys.Fingerprint{Algorithm: r.Algorithm, Digest: r.Fingerprint}
	}
	return out, nil
}

// Put replaces every row for the endpoint inside one transaction.
func (g *GormBackend) Put(host string, port int, fps []sshkeys.Fingerprint) error {
	return g.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("host = ? AND port = ?", host, port).Delete(&database.TrustedHostKey{}).Error; err != nil {
			return err
		}
		for _, fp := range fps {
			row := database.TrustedHostKey{Host: host, Port: port, Algorithm: fp.Algorithm, Fingerprint: fp.Digest}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert %s: %w", fp.Algorithm, err)
			}
		}
		return nil
	})
}

func (g *GormBackend) Delete(host string, port int) error {
	return g.db.Where("host = ? AND port = ?", host, port).Delete(&database.TrustedHostKey{}).Error
}

func (g *GormBackend) List() ([]Record, error) {
	var rows []database.TrustedHostKey
	if err := g.db.Order("host, port, algorithm").Find(&rows).Error; err != nil {
		return nil, err
	}
	var out []Record
	index := make(map[endpoint]int)
	for _, r := range rows {
		ep := endpoint{r.Host, r.Port}
		i, ok := index[ep]
		if !ok {
			i = len(out)
			index[ep] = i
			out = append(out, Record{Host: r.Host, Port: r.Port})
		}
		out[i].Fingerprints = append(out[i].Fingerprints, sshkeys.Fingerprint{Algorithm: r.Algorithm, Digest: r.Fingerprint})
	}
	return out, nil
}
