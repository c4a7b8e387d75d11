package escrow

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"blockbatch/storage"
)

var escrowRecordPrefix = []byte("escrow/record/")

// RecordStore persists escrow records keyed by identifier.
type RecordStore interface {
	EscrowGet(id [32]byte) (*Escrow, bool, error)
	EscrowPut(*Escrow) error
	EscrowHas(id [32]byte) (bool, error)
}

var _ RecordStager = (*Store)(nil)

// Store is the RLP-backed RecordStore over a key/value database.
type Store struct {
	db storage.Database
}

// NewStore wraps the supplied database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func escrowRecordKey(id [32]byte) []byte {
	key := make([]byte, len(escrowRecordPrefix)+len(id))
	copy(key, escrowRecordPrefix)
	copy(key[len(escrowRecordPrefix):], id[:])
	return key
}

// EscrowGet loads a record. A missing record returns ok=false with no error.
func (s *Store) EscrowGet(id [32]byte) (*Escrow, bool, error) {
	raw, err := s.db.Get(escrowRecordKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	record := new(Escrow)
	if err := rlp.DecodeBytes(raw, record); err != nil {
		return nil, false, fmt.Errorf("escrow: decode record: %w", err)
	}
	if record.Conditions == nil {
		record.Conditions = Conditions{}
	}
	return record, true, nil
}

func encodeRecord(record *Escrow) ([]byte, error) {
	if err := record.Validate(); err != nil {
		return nil, err
	}
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return nil, fmt.Errorf("escrow: encode record: %w", err)
	}
	return encoded, nil
}

// EscrowPut validates and writes a record.
func (s *Store) EscrowPut(record *Escrow) error {
	encoded, err := encodeRecord(record)
	if err != nil {
		return err
	}
	return s.db.Put(escrowRecordKey(record.ID), encoded)
}

// StageEscrow validates a record and queues its write on batch. Nothing is
// persisted until the batch is written to this store's database.
func (s *Store) StageEscrow(batch *storage.Batch, record *Escrow) error {
	encoded, err := encodeRecord(record)
	if err != nil {
		return err
	}
	batch.Put(escrowRecordKey(record.ID), encoded)
	return nil
}

func (s *Store) EscrowHas(id [32]byte) (bool, error) {
	return s.db.Has(escrowRecordKey(id))
}

var agreementRecordPrefix = []byte("escrow/agreement/")

// AgreementStore persists supplier milestone agreements keyed by identifier.
type AgreementStore interface {
	AgreementGet(id [32]byte) (*Agreement, bool, error)
	AgreementPut(*Agreement) error
	AgreementHas(id [32]byte) (bool, error)
}

// AgreementStager queues an agreement write on a pending batch.
type AgreementStager interface {
	StageAgreement(batch *storage.Batch, agreement *Agreement) error
}

var (
	_ AgreementStore  = (*Store)(nil)
	_ AgreementStager = (*Store)(nil)
)

func agreementKey(id [32]byte) []byte {
	key := make([]byte, len(agreementRecordPrefix)+len(id))
	copy(key, agreementRecordPrefix)
	copy(key[len(agreementRecordPrefix):], id[:])
	return key
}

func encodeAgreement(agreement *Agreement) ([]byte, error) {
	if err := agreement.Validate(); err != nil {
		return nil, err
	}
	encoded, err := rlp.EncodeToBytes(agreement)
	if err != nil {
		return nil, fmt.Errorf("escrow: encode agreement: %w", err)
	}
	return encoded, nil
}

// AgreementGet loads an agreement. A missing agreement returns ok=false.
func (s *Store) AgreementGet(id [32]byte) (*Agreement, bool, error) {
	raw, err := s.db.Get(agreementKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	agreement := new(Agreement)
	if err := rlp.DecodeBytes(raw, agreement); err != nil {
		return nil, false, fmt.Errorf("escrow: decode agreement: %w", err)
	}
	return agreement, true, nil
}

// AgreementPut validates and writes an agreement.
func (s *Store) AgreementPut(agreement *Agreement) error {
	encoded, err := encodeAgreement(agreement)
	if err != nil {
		return err
	}
	return s.db.Put(agreementKey(agreement.ID), encoded)
}

// StageAgreement validates an agreement and queues its write on batch.
func (s *Store) StageAgreement(batch *storage.Batch, agreement *Agreement) error {
	encoded, err := encodeAgreement(agreement)
	if err != nil {
		return err
	}
	batch.Put(agreementKey(agreement.ID), encoded)
	return nil
}

func (s *Store) AgreementHas(id [32]byte) (bool, error) {
	return s.db.Has(agreementKey(id))
}
