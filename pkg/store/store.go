// Package store archives finished sessions and remembers the last MVC
// reference of each subject and motion.
package store

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/limb-lab/mvc/pkg/mvc"
	"github.com/limb-lab/mvc/pkg/session"
)

// ErrNotFound is returned when a session or reference is not archived.
var ErrNotFound = errors.New("not found in store")

const (
	prefixSession = "session/"
	prefixMeta    = "meta/"
	prefixRef     = "ref/"
)

// SessionInfo is the listing entry of an archived session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Motion    string    `json:"motion,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	State     mvc.State `json:"state"`
	Trials    int       `json:"trials"`
	Reference *float64  `json:"reference,omitempty"`
}

// ReferenceRecord is a stored MVC reference.
type ReferenceRecord struct {
	Subject    string    `json:"subject"`
	Motion     string    `json:"motion,omitempty"`
	Value      float64   `json:"value"`
	Trials     []int     `json:"trials"`
	SessionID  string    `json:"sessionId"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Reference returns the record as a reference value.
func (r ReferenceRecord) Reference() mvc.Reference {
	return mvc.Reference{Value: r.Value, Trials: r.Trials}
}

// Store is a badger database. Session payloads are zstd compressed.
type Store struct {
	db  *badger.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens or creates the store in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{logrus.WithField("component", "badger")})
	return open(opts)
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open store at %q", opts.Dir)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrapf(err, "failed to create encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrapf(err, "failed to create decoder")
	}
	return &Store{db: db, enc: enc, dec: dec}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.dec.Close()
	_ = s.enc.Close()
	return s.db.Close()
}

// SaveSession archives a session summary, replacing an earlier copy.
func (s *Store) SaveSession(sum session.Summary) error {
	if sum.ID == "" {
		return pkgerrors.New("session summary has no id")
	}
	payload, err := json.Marshal(sum)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to marshal session %s", sum.ID)
	}
	info := SessionInfo{
		ID:        sum.ID,
		Subject:   sum.Subject,
		Motion:    sum.Motion,
		StartedAt: sum.StartedAt,
		State:     sum.State,
		Trials:    len(sum.Data.Records),
	}
	if sum.Reference != nil {
		info.Reference = &sum.Reference.Value
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to marshal session info %s", sum.ID)
	}
	compressed := s.enc.EncodeAll(payload, nil)

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixSession+sum.ID), compressed); err != nil {
			return err
		}
		return txn.Set([]byte(prefixMeta+sum.ID), meta)
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to save session %s", sum.ID)
	}

	logrus.WithFields(logrus.Fields{
		"session":    sum.ID,
		"raw":        len(payload),
		"compressed": len(compressed),
	}).Debug("session archived")
	return nil
}

// LoadSession returns an archived session summary.
func (s *Store) LoadSession(id string) (session.Summary, error) {
	var sum session.Summary
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixSession + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw, err := s.dec.DecodeAll(val, nil)
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to decompress session")
			}
			return json.Unmarshal(raw, &sum)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return session.Summary{}, pkgerrors.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return session.Summary{}, pkgerrors.Wrapf(err, "failed to load session %s", id)
	}
	return sum, nil
}

// ListSessions returns every archived session, oldest first. A non-empty
// subject filters the listing.
func (s *Store) ListSessions(subject string) ([]SessionInfo, error) {
	var out []SessionInfo
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixMeta)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var info SessionInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return err
			}
			if subject != "" && info.Subject != subject {
				continue
			}
			out = append(out, info)
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to list sessions")
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func refKey(subject, motion string) []byte {
	return []byte(prefixRef + strings.ToLower(subject) + "/" + strings.ToLower(motion))
}

// SaveReference stores rec as the latest reference of its subject and
// motion.
func (s *Store) SaveReference(rec ReferenceRecord) error {
	if rec.Subject == "" {
		return pkgerrors.New("reference has no subject")
	}
	if !rec.Reference().Valid() {
		return pkgerrors.Errorf("reference value %v is not usable", rec.Value)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to marshal reference")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(refKey(rec.Subject, rec.Motion), b)
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to save reference of %s", rec.Subject)
	}
	return nil
}

// LastReference returns the latest stored reference of a subject and
// motion.
func (s *Store) LastReference(subject, motion string) (ReferenceRecord, error) {
	var rec ReferenceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(refKey(subject, motion))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ReferenceRecord{}, pkgerrors.Wrapf(ErrNotFound, "reference of %s/%s", subject, motion)
	}
	if err != nil {
		return ReferenceRecord{}, pkgerrors.Wrapf(err, "failed to load reference of %s", subject)
	}
	return rec, nil
}

// badgerLogger routes badger's logs to logrus one level lower, since
// badger is chatty at info level.
type badgerLogger struct {
	l *logrus.Entry
}

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Errorf(f, v...) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warnf(f, v...) }
func (b badgerLogger) Infof(f string, v ...interface{})    { b.l.Debugf(f, v...) }
func (b badgerLogger) Debugf(f string, v ...interface{})   { b.l.Tracef(f, v...) }
