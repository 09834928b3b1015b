package substrate

import (
	"encoding/binary"
)

// Hand-rolled SCALE encoders for building storage fixtures.

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le128(v uint64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func none() []byte { return []byte{0} }

func some(v []byte) []byte { return append([]byte{1}, v...) }

func epoch(domain, index uint32) []byte { return cat(le32(domain), le32(index)) }

func encDeposit(shares, fee uint64, pending []byte) []byte {
	return cat(le128(shares), le128(fee), pending)
}

func encPending(domain, index uint32, amount, fee uint64) []byte {
	return cat(epoch(domain, index), le128(amount), le128(fee))
}

type balanceWithdrawal struct {
	amount, refund uint64
}

func encWithdrawal(total uint64, inBalance []balanceWithdrawal, inShares []byte) []byte {
	out := cat(le128(total), []byte{byte(len(inBalance) << 2)})
	for _, w := range inBalance {
		out = cat(out, le32(0), le32(500), le128(w.amount), le128(w.refund))
	}
	return cat(out, inShares)
}

func encInShares(domain, index uint32, shares, refund uint64) []byte {
	return cat(epoch(domain, index), le32(600), le128(shares), le128(refund))
}

func encOperator(stake, rewards, shares, fees uint64, status []byte) []byte {
	return cat(
		make([]byte, 32), // signing key
		le32(0), le32(0), // current and next domain
		le128(1),         // minimum nominator stake
		[]byte{5},        // nomination tax
		le128(stake),
		le128(rewards),
		le128(shares),
		status,
		le128(0), le128(0), // deposits and withdrawals in epoch
		le128(fees),
	)
}

func encAccount(free uint64) []byte {
	return cat(le32(3), le32(0), le32(1), le32(0), le128(free), le128(0), le128(0), le128(0))
}
