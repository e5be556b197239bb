package sqlstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	stderrors "errors"
	"time"

	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/pkg/errors"
)

const walletColumns = `id, address, derivation_path, private_key, public_key, key_hash, network,
	registration_signature, registration_pubkey, registered_at, mnemonic, created_at`

// CreateWallet inserts w with its key material and mnemonic sealed, and sets w.ID.
func (s *Store) CreateWallet(ctx context.Context, w *model.Wallet) error {
	privKey, err := s.seal(w.PrivateKey)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "create_wallet", "failed to seal private key")
	}
	mnemonic, err := s.seal([]byte(w.Mnemonic))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "create_wallet", "failed to seal mnemonic")
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	err = s.queryRow(ctx, `
		INSERT INTO wallets (address, derivation_path, private_key, public_key, key_hash, network,
			registration_signature, registration_pubkey, registered_at, mnemonic, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		w.Address, w.DerivationPath, privKey, hex.EncodeToString(w.PublicKey), hex.EncodeToString(w.KeyHash),
		string(w.Network), w.RegistrationSignature, w.RegistrationPubKey, nullMillis(w.RegisteredAt),
		mnemonic, toMillis(w.CreatedAt),
	).Scan(&w.ID)
	if err != nil {
		return dbErr(err, "create_wallet", "failed to insert wallet")
	}
	return nil
}

// GetWallet loads a wallet by id with its secrets opened.
func (s *Store) GetWallet(ctx context.Context, id int64) (*model.Wallet, error) {
	row := s.queryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	w, err := s.scanWallet(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_wallet", "wallet", id)
	}
	return w, err
}

// GetWalletByAddress loads a wallet by address.
func (s *Store) GetWalletByAddress(ctx context.Context, address string) (*model.Wallet, error) {
	row := s.queryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE address = ?`, address)
	w, err := s.scanWallet(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_wallet", "wallet", address)
	}
	return w, err
}

// MarkRegistered records the registration signature once. A wallet that is
// already registered keeps its original signature and timestamp.
func (s *Store) MarkRegistered(ctx context.Context, id int64, signature, pubKey string, at time.Time) error {
	_, err := s.exec(ctx, `
		UPDATE wallets SET registration_signature = ?, registration_pubkey = ?, registered_at = ?
		WHERE id = ? AND registered_at IS NULL`,
		signature, pubKey, at.UnixMilli(), id)
	if err != nil {
		return dbErr(err, "mark_registered", "failed to update wallet registration")
	}
	return nil
}

// ListMergeCandidates returns wallets on network that are registered, hold at
// least one confirmed solution, have no successful merge and are not payout
// itself. Oldest first.
func (s *Store) ListMergeCandidates(ctx context.Context, network model.Network, payout string) ([]*model.Wallet, error) {
	rows, err := s.query(ctx, `
		SELECT `+walletColumns+` FROM wallets w
		WHERE w.network = ?
		  AND w.registered_at IS NOT NULL
		  AND w.address <> ?
		  AND EXISTS (SELECT 1 FROM solutions s
		              WHERE s.wallet_id = w.id AND s.submission_status = ?)
		  AND NOT EXISTS (SELECT 1 FROM merges m
		                  WHERE m.original_address = w.address AND m.status = ?)
		ORDER BY w.id ASC`,
		string(network), payout, string(model.SubmissionConfirmed), string(model.MergeSuccess))
	if err != nil {
		return nil, dbErr(err, "list_merge_candidates", "failed to query candidates")
	}
	defer closeRows(rows)

	var out []*model.Wallet
	for rows.Next() {
		w, err := s.scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "list_merge_candidates", "failed to read candidates")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanWallet(sc scanner) (*model.Wallet, error) {
	var (
		w                            model.Wallet
		privKey, pubKey, keyHash, mn string
		network                      string
		registeredAt                 sql.NullInt64
		createdAt                    int64
	)
	err := sc.Scan(&w.ID, &w.Address, &w.DerivationPath, &privKey, &pubKey, &keyHash, &network,
		&w.RegistrationSignature, &w.RegistrationPubKey, &registeredAt, &mn, &createdAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbErr(err, "scan_wallet", "failed to scan wallet")
	}

	if w.PrivateKey, err = s.open(privKey); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "scan_wallet", "failed to open private key").
			WithContext("address", w.Address)
	}
	mnemonic, err := s.open(mn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "scan_wallet", "failed to open mnemonic").
			WithContext("address", w.Address)
	}
	w.Mnemonic = string(mnemonic)
	w.PublicKey, _ = hex.DecodeString(pubKey)
	w.KeyHash, _ = hex.DecodeString(keyHash)
	w.Network = model.Network(network)
	w.RegisteredAt = fromNullMillis(registeredAt)
	w.CreatedAt = fromMillis(createdAt)
	return &w, nil
}
