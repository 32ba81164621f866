// Package snapshot serializes and restores the engine's catalog-independent
// state: daily counter aggregates and dedup latches. Rolling-window
// counters are deliberately excluded — they re-warm naturally from live
// traffic and carrying them across a restart would misrepresent the
// window's true age.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/yanun0323/decimal"

	"riskguard/internal/action"
	"riskguard/internal/catalog"
	"riskguard/internal/errors"
	"riskguard/internal/riskmodel"
	"riskguard/internal/stats"
)

var (
	magic      = [4]byte{'R', 'K', 'S', 'N'}
	crcTable   = crc32.MakeTable(crc32.Castagnoli)
	formatVers uint16 = 1

	ErrInvalidMagic      = errors.New("snapshot: invalid magic")
	ErrUnsupportedVer    = errors.New("snapshot: unsupported format version")
	ErrTruncated         = errors.New("snapshot: truncated payload")
	ErrChecksumMismatch  = errors.New("snapshot: checksum mismatch")
)

// Encode serializes the daily counter's and dedup table's current contents
// into a single versioned, checksummed blob.
func Encode(counter *stats.DailyCounter, dedup *action.DedupTable) []byte {
	var body bytes.Buffer

	var dailyEntries []stats.Entry[stats.DailyKey]
	counter.Each(func(e stats.Entry[stats.DailyKey]) { dailyEntries = append(dailyEntries, e) })
	writeUint32(&body, uint32(len(dailyEntries)))
	for _, e := range dailyEntries {
		writeString(&body, e.Key.Account)
		writeString(&body, e.Key.Contract)
		writeString(&body, e.Key.Product)
		writeString(&body, e.Key.Exchange)
		writeString(&body, e.Key.AccountGroup)
		writeInt32(&body, e.Key.Day)
		writeUint16(&body, uint16(e.Metric))
		writeString(&body, e.Value.String())
	}

	type latchEntry struct {
		subject, family string
		suspended       bool
	}
	var latches []latchEntry
	dedup.Each(func(subject, family string, suspended bool) {
		latches = append(latches, latchEntry{subject, family, suspended})
	})
	writeUint32(&body, uint32(len(latches)))
	for _, l := range latches {
		writeString(&body, l.subject)
		writeString(&body, l.family)
		if l.suspended {
			body.WriteByte(1)
		} else {
			body.WriteByte(0)
		}
	}

	var out bytes.Buffer
	out.Write(magic[:])
	writeUint16(&out, formatVers)
	out.Write(body.Bytes())
	checksum := crc32.Checksum(out.Bytes(), crcTable)
	writeUint32(&out, checksum)
	return out.Bytes()
}

// Restore decodes data produced by Encode into the given (freshly
// constructed) daily counter and dedup table. Restoring into a counter
// that already has accumulated values double-counts; callers should pass
// a counter no events have yet reached.
func Restore(data []byte, counter *stats.DailyCounter, dedup *action.DedupTable) error {
	if len(data) < 4+2+4 {
		return ErrTruncated
	}
	if !bytes.Equal(data[0:4], magic[:]) {
		return ErrInvalidMagic
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version != formatVers {
		return ErrUnsupportedVer
	}

	payload := data[:len(data)-4]
	wantChecksum := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.Checksum(payload, crcTable) != wantChecksum {
		return ErrChecksumMismatch
	}

	r := bytes.NewReader(data[6 : len(data)-4])

	// Decode everything before applying anything, so a decode error leaves
	// counter and dedup untouched.
	var applies []func()

	dailyCount, err := readUint32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < dailyCount; i++ {
		key, day, metric, value, err := readDailyEntry(r)
		if err != nil {
			return err
		}
		applies = append(applies, func() { counter.Add(key, metric, value, uint64(day)*uint64(riskmodel.DayNanos)) })
	}

	latchCount, err := readUint32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < latchCount; i++ {
		subject, err := readString(r)
		if err != nil {
			return err
		}
		family, err := readString(r)
		if err != nil {
			return err
		}
		suspendedByte, err := readByte(r)
		if err != nil {
			return err
		}
		applies = append(applies, func() { dedup.Restore(subject, family, suspendedByte == 1) })
	}

	for _, apply := range applies {
		apply()
	}
	return nil
}

func readDailyEntry(r *bytes.Reader) (catalog.Key, int32, stats.Metric, decimal.Decimal, error) {
	account, err := readString(r)
	if err != nil {
		return catalog.Key{}, 0, 0, decimal.Decimal(""), err
	}
	contract, err := readString(r)
	if err != nil {
		return catalog.Key{}, 0, 0, decimal.Decimal(""), err
	}
	product, err := readString(r)
	if err != nil {
		return catalog.Key{}, 0, 0, decimal.Decimal(""), err
	}
	exchange, err := readString(r)
	if err != nil {
		return catalog.Key{}, 0, 0, decimal.Decimal(""), err
	}
	accountGroup, err := readString(r)
	if err != nil {
		return catalog.Key{}, 0, 0, decimal.Decimal(""), err
	}
	day, err := readInt32(r)
	if err != nil {
		return catalog.Key{}, 0, 0, decimal.Decimal(""), err
	}
	metric, err := readUint16(r)
	if err != nil {
		return catalog.Key{}, 0, 0, decimal.Decimal(""), err
	}
	valueStr, err := readString(r)
	if err != nil {
		return catalog.Key{}, 0, 0, decimal.Decimal(""), err
	}
	value, parseErr := decimal.NewFromString(valueStr)
	if parseErr != nil {
		return catalog.Key{}, 0, 0, decimal.Decimal(""), errors.Wrap(parseErr, "snapshot: decode daily entry value")
	}
	key := catalog.Key{Account: account, Contract: contract, Product: product, Exchange: exchange, AccountGroup: accountGroup}
	return key, day, stats.Metric(metric), value, nil
}
