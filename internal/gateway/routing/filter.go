package routing

import "log/slog"

// AddressFilter decides whether an inbound counterparty address may be
// serviced. An absent address passes; the filter only applies when one is
// present.
type AddressFilter struct {
	blacklists map[string]struct{}
	premiumLen int
	logger     *slog.Logger
}

// DefaultPremiumLen is the maximum length of a premium short number.
const DefaultPremiumLen = 5

func NewAddressFilter(blacklists []string, premiumLen int, logger *slog.Logger) *AddressFilter {
	if premiumLen <= 0 {
		premiumLen = DefaultPremiumLen
	}
	set := make(map[string]struct{}, len(blacklists))
	for _, addr := range blacklists {
		set[addr] = struct{}{}
	}
	return &AddressFilter{blacklists: set, premiumLen: premiumLen, logger: logger}
}

// Allowed reports whether the address passes the filter.
func (f *AddressFilter) Allowed(address string) bool {
	if address == "" {
		return true
	}
	if !numeric(address) {
		f.logger.Info("Number is unreachable", "address", address)
		return false
	}
	if len(address) <= f.premiumLen {
		f.logger.Info("Number is premium", "address", address)
		return false
	}
	if _, ok := f.blacklists[address]; ok {
		f.logger.Info("Number is blacklisted", "address", address)
		return false
	}
	return true
}

func numeric(s string) bool {
	if len(s) > 1 && s[0] == '+' {
		s = s[1:]
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
