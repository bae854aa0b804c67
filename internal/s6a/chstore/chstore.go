// Package chstore implements the ClickHouse-backed S6a backend: a
// DB-shim HSS that stores subscriber authentication material
// (K, OPc, SQN) in a ClickHouse table and computes E-UTRAN vectors
// locally instead of speaking Diameter to a real HSS. Grounded on
// nf/udr/internal/repository.ClickHouseRepository's query shape
// (parameterized Exec/QueryRow over clickhouse-go/v2) and
// nf/udm/internal/crypto/milenage.go for the AKA vector derivation
// itself.
package chstore

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/your-org/aalto-mme/internal/emm"
)

// Config mirrors the connection fields of mme.S6a.{host,db,user,password}
// (internal/config.S6aConfig) rather than duplicating clickhouse-go's own
// options struct, so internal/mme can build this straight from the
// parsed YAML.
type Config struct {
	Host     string
	Database string
	User     string
	Password string
}

// Store is the ClickHouse-backed subscriber store.
type Store struct {
	conn   clickhouse.Conn
	logger *zap.Logger
}

// Open connects to ClickHouse and returns a Store, mirroring
// clickhouse.NewClient's role in the teacher's UDR.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Host},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chstore: opening ClickHouse connection: %w", err)
	}
	return &Store{conn: conn, logger: logger}, nil
}

// subscriberKeys is the authentication material row for one IMSI,
// the MME-side equivalent of the UDR's AuthenticationSubscription.
type subscriberKeys struct {
	K    []byte
	OPc  []byte
	SQN  uint64
	AMF  []byte
}

// fetchKeys reads the subscriber's permanent key material, the MME
// analogue of ClickHouseRepository.GetAuthenticationSubscription.
func (s *Store) fetchKeys(ctx context.Context, imsi string) (subscriberKeys, error) {
	query := `
		SELECT k, opc, sqn, amf
		FROM mme.subscribers
		WHERE imsi = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`
	var keys subscriberKeys
	row := s.conn.QueryRow(ctx, query, imsi)
	if err := row.Scan(&keys.K, &keys.OPc, &keys.SQN, &keys.AMF); err != nil {
		return keys, fmt.Errorf("chstore: fetching subscriber %s: %w", imsi, err)
	}
	return keys, nil
}

// incrementSQN advances the stored sequence number after a vector batch
// is generated, mirroring ClickHouseRepository.IncrementSQN.
func (s *Store) incrementSQN(ctx context.Context, imsi string, delta uint64) error {
	query := `ALTER TABLE mme.subscribers UPDATE sqn = sqn + ? WHERE imsi = ?`
	return s.conn.Exec(ctx, query, delta, imsi)
}

// AuthenticationInformation derives `vectors` E-UTRAN authentication
// vectors locally from the stored K/OPc/SQN, the DB-shim's stand-in for
// an Authentication-Information-Answer.
func (s *Store) AuthenticationInformation(ctx context.Context, imsi string, vectors int) ([]emm.AuthVector, error) {
	keys, err := s.fetchKeys(ctx, imsi)
	if err != nil {
		return nil, err
	}

	out := make([]emm.AuthVector, 0, vectors)
	for i := 0; i < vectors; i++ {
		var randBuf [16]byte
		if _, err := rand.Read(randBuf[:]); err != nil {
			return nil, fmt.Errorf("chstore: generating RAND: %w", err)
		}
		av, err := deriveVector(keys, randBuf)
		if err != nil {
			return nil, err
		}
		out = append(out, av)
	}

	if err := s.incrementSQN(ctx, imsi, uint64(vectors)); err != nil {
		s.logger.Warn("failed to advance SQN after vector generation", zap.String("imsi", imsi), zap.Error(err))
	}
	return out, nil
}

// UpdateLocation is a no-op for the DB-shim backend: there is no
// separate HSS to notify, the ClickHouse table already is the MME's
// view of subscriber location.
func (s *Store) UpdateLocation(ctx context.Context, imsi string) error {
	return nil
}

// Close releases the ClickHouse connection.
func (s *Store) Close() error { return s.conn.Close() }
