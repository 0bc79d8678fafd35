package dnsx

import "context"

// Mock satisfies Client for tests and local development.
type Mock struct {
	MXFunc  func(domain string) (MXResult, error)
	TXTFunc func(name string) ([]string, error)
}

func (m Mock) MX(domain string) (MXResult, error) {
	if m.MXFunc != nil {
		return m.MXFunc(domain)
	}
	return MXResult{Servers: []string{"mx." + domain + ":25"}, Hint: "other"}, nil
}

func (m Mock) TXT(name string) ([]string, error) {
	if m.TXTFunc != nil {
		return m.TXTFunc(name)
	}
	return nil, nil
}

func (m Mock) CheckDkim(domain, selector string) (bool, error) {
	records, err := m.TXT(selector + "._domainkey." + domain)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if len(r) >= 7 && r[:7] == "v=DKIM1" {
			return true, nil
		}
	}
	return false, nil
}

func (m Mock) Stop(ctx context.Context) error { return nil }
