package plugin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smsterm/gateway/internal/gateway/domain"
)

// Gateway is the fleet surface plugins may act through.
type Gateway interface {
	// WorkerNetworkCode returns the network operator code of a terminal,
	// or "" when the terminal is unknown.
	WorkerNetworkCode(imsi string) string
	WorkerNames() []string
	// QueueUssd enqueues a USSD query on the given terminal.
	QueueUssd(ctx context.Context, imsi, service string) error
	// NotifyUI broadcasts an event to UI consumers.
	NotifyUI(event string, payload any)
}

// PrepaidService describes how one network's balance USSD reply is parsed.
type PrepaidService struct {
	USSD     string `json:"ussd"`
	Response string `json:"response"`
	// Matches optionally names the capture group indexes of balance and
	// active period; defaults are 1 and 2.
	Matches []int `json:"matches,omitempty"`
}

// PrepaidInfo is the last parsed balance of one terminal.
type PrepaidInfo struct {
	Response string    `json:"response"`
	Balance  string    `json:"balance"`
	Active   string    `json:"active"`
	Time     time.Time `json:"time"`
}

// Prepaid checks balance and active period of prepaid cards by matching
// USSD replies against per-network patterns.
type Prepaid struct {
	gw       Gateway
	logger   *slog.Logger
	confFile string
	dataFile string

	mu       sync.Mutex
	services map[string]PrepaidService
	data     map[string]PrepaidInfo
}

// NewPrepaid builds the plugin. confFile maps network codes to
// PrepaidService records; dataFile persists parsed balances.
func NewPrepaid(gw Gateway, confFile, dataFile string, logger *slog.Logger) *Prepaid {
	return &Prepaid{
		gw:       gw,
		logger:   logger,
		confFile: confFile,
		dataFile: dataFile,
		services: map[string]PrepaidService{},
		data:     map[string]PrepaidInfo{},
	}
}

func (p *Prepaid) Name() string {
	return "prepaid"
}

func (p *Prepaid) Initialize(ctx context.Context) error {
	raw, err := os.ReadFile(p.confFile)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &p.services); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.dataFile), 0o755); err != nil {
		return err
	}
	if raw, err := os.ReadFile(p.dataFile); err == nil {
		if err := json.Unmarshal(raw, &p.data); err != nil {
			p.logger.Warn("Ignoring malformed prepaid data file", "file", p.dataFile, "error", err)
		}
	}
	return nil
}

func (p *Prepaid) Handle(item *domain.QueueItem) {
	if item.Type != domain.ActivityCUSD {
		return
	}
	code := p.gw.WorkerNetworkCode(item.IMSI)
	if code == "" {
		return
	}
	p.mu.Lock()
	svc, ok := p.services[code]
	p.mu.Unlock()
	if !ok || svc.USSD != item.Address {
		return
	}
	p.parse(item, svc)
}

func (p *Prepaid) parse(item *domain.QueueItem, svc PrepaidService) {
	re, err := regexp.Compile(svc.Response)
	if err != nil {
		p.logger.Error("Invalid prepaid response pattern", "code", svc.USSD, "error", err)
		return
	}
	match := re.FindStringSubmatch(item.Payload())
	if match == nil {
		return
	}
	balanceIndex, activeIndex := 1, 2
	if len(svc.Matches) >= 2 {
		balanceIndex, activeIndex = svc.Matches[0], svc.Matches[1]
	}
	if balanceIndex >= len(match) || activeIndex >= len(match) {
		return
	}
	info := PrepaidInfo{
		Response: item.Payload(),
		Balance:  match[balanceIndex],
		Active:   match[activeIndex],
		Time:     time.Now(),
	}
	p.mu.Lock()
	p.data[item.IMSI] = info
	p.mu.Unlock()
	p.writeData()
	p.gw.NotifyUI("prepaid", map[string]any{"imsi": item.IMSI, "info": info})
}

func (p *Prepaid) writeData() {
	p.mu.Lock()
	raw, err := json.MarshalIndent(p.data, "", "    ")
	p.mu.Unlock()
	if err == nil {
		err = os.WriteFile(p.dataFile, raw, 0o644)
	}
	if err != nil {
		p.logger.Error("Failed to persist prepaid data", "file", p.dataFile, "error", err)
	}
}

// Router exposes the balance view and a check trigger.
func (p *Prepaid) Router(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		type entry struct {
			Name     string       `json:"name"`
			Operator string       `json:"operator"`
			Info     *PrepaidInfo `json:"info,omitempty"`
		}
		var items []entry
		p.mu.Lock()
		for _, name := range p.gw.WorkerNames() {
			e := entry{Name: name, Operator: p.gw.WorkerNetworkCode(name)}
			if info, ok := p.data[name]; ok {
				e.Info = &info
			}
			items = append(items, e)
		}
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(items)
	})
	r.Post("/check", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			IMSI string `json:"imsi"`
		}
		result := map[string]bool{"success": false}
		if err := json.NewDecoder(req.Body).Decode(&body); err == nil {
			code := p.gw.WorkerNetworkCode(body.IMSI)
			p.mu.Lock()
			svc, ok := p.services[code]
			p.mu.Unlock()
			if ok {
				if err := p.gw.QueueUssd(req.Context(), body.IMSI, svc.USSD); err == nil {
					result["success"] = true
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})
}
