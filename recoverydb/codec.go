package recoverydb

import (
	"bytes"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/ledger"
)

const (
	eventIDType           tlv.Type = 0
	accountType           tlv.Type = 1
	lostFactorType        tlv.Type = 2
	statusType            tlv.Type = 3
	startedAtType         tlv.Type = 4
	delayEndsAtType       tlv.Type = 5
	socialRecoveryType    tlv.Type = 6
	destAppAuthType       tlv.Type = 10
	destHardwareAuthType  tlv.Type = 11
	destAppSpendType      tlv.Type = 12
	destHardwareSpendType tlv.Type = 13
)

// serializeKey returns the compressed encoding of an optional key.
func serializeKey(pub *btcec.PublicKey) []byte {
	if pub == nil {
		return nil
	}

	return pub.SerializeCompressed()
}

// parseKey is the inverse of serializeKey.
func parseKey(b []byte) (*btcec.PublicKey, error) {
	if len(b) == 0 {
		return nil, nil
	}

	return btcec.ParsePubKey(b)
}

// serializeEvent writes the event as a TLV stream.
func serializeEvent(w io.Writer, event *ledger.RecoveryEvent) error {
	var (
		id             = []byte(event.ID)
		account        = []byte(event.Account)
		lostFactor     = uint8(event.LostFactor)
		status         = uint8(event.Status)
		startedAt      = uint64(event.StartedAt.UnixNano())
		delayEndsAt    = uint64(event.DelayEndsAt.UnixNano())
		socialRecovery = event.SocialRecovery
		appAuth        = serializeKey(event.Destination.AppAuthKey)
		hwAuth         = serializeKey(event.Destination.HardwareAuthKey)
		appSpend       = serializeKey(event.Destination.AppSpendingKey)
		hwSpend        = serializeKey(
			event.Destination.HardwareSpendingKey,
		)
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(eventIDType, &id),
		tlv.MakePrimitiveRecord(accountType, &account),
		tlv.MakePrimitiveRecord(lostFactorType, &lostFactor),
		tlv.MakePrimitiveRecord(statusType, &status),
		tlv.MakePrimitiveRecord(startedAtType, &startedAt),
		tlv.MakePrimitiveRecord(delayEndsAtType, &delayEndsAt),
		tlv.MakePrimitiveRecord(socialRecoveryType, &socialRecovery),
		tlv.MakePrimitiveRecord(destAppAuthType, &appAuth),
		tlv.MakePrimitiveRecord(destHardwareAuthType, &hwAuth),
		tlv.MakePrimitiveRecord(destAppSpendType, &appSpend),
		tlv.MakePrimitiveRecord(destHardwareSpendType, &hwSpend),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// deserializeEvent reads an event written by serializeEvent.
func deserializeEvent(r io.Reader) (*ledger.RecoveryEvent, error) {
	var (
		id, account                        []byte
		lostFactor, status                 uint8
		startedAt, delayEndsAt             uint64
		socialRecovery                     bool
		appAuth, hwAuth, appSpend, hwSpend []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(eventIDType, &id),
		tlv.MakePrimitiveRecord(accountType, &account),
		tlv.MakePrimitiveRecord(lostFactorType, &lostFactor),
		tlv.MakePrimitiveRecord(statusType, &status),
		tlv.MakePrimitiveRecord(startedAtType, &startedAt),
		tlv.MakePrimitiveRecord(delayEndsAtType, &delayEndsAt),
		tlv.MakePrimitiveRecord(socialRecoveryType, &socialRecovery),
		tlv.MakePrimitiveRecord(destAppAuthType, &appAuth),
		tlv.MakePrimitiveRecord(destHardwareAuthType, &hwAuth),
		tlv.MakePrimitiveRecord(destAppSpendType, &appSpend),
		tlv.MakePrimitiveRecord(destHardwareSpendType, &hwSpend),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	event := &ledger.RecoveryEvent{
		ID:             string(id),
		Account:        ledger.AccountID(account),
		LostFactor:     keyset.Factor(lostFactor),
		Status:         ledger.Status(status),
		StartedAt:      time.Unix(0, int64(startedAt)).UTC(),
		DelayEndsAt:    time.Unix(0, int64(delayEndsAt)).UTC(),
		SocialRecovery: socialRecovery,
	}

	keys := []struct {
		raw []byte
		dst **btcec.PublicKey
	}{
		{appAuth, &event.Destination.AppAuthKey},
		{hwAuth, &event.Destination.HardwareAuthKey},
		{appSpend, &event.Destination.AppSpendingKey},
		{hwSpend, &event.Destination.HardwareSpendingKey},
	}
	for _, k := range keys {
		pub, err := parseKey(k.raw)
		if err != nil {
			return nil, err
		}
		*k.dst = pub
	}

	return event, nil
}

// encodeEvent is a convenience wrapper returning the serialized event.
func encodeEvent(event *ledger.RecoveryEvent) ([]byte, error) {
	var b bytes.Buffer
	if err := serializeEvent(&b, event); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}
