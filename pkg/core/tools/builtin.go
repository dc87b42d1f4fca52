package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

const (
	ToolCurrentTime    = "get_current_time"
	ToolBalance        = "get_balance"
	ToolVerifyIdentity = "verify_identity"
	ToolTransactions   = "get_transaction_history"

	maxTransactions = 10
)

// Executor is one in-process tool.
type Executor interface {
	Name() string
	Definition() Tool
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Registry is a Backend over in-process executors.
type Registry struct {
	byName map[string]Executor
}

func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{byName: make(map[string]Executor, len(executors))}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		r.byName[ex.Name()] = ex
	}
	return r
}

// NewBuiltinRegistry returns the demo tools used for local runs.
func NewBuiltinRegistry(now func() time.Time) *Registry {
	return NewRegistry(
		CurrentTime{Now: now},
		Balance{Accounts: DemoAccounts},
		VerifyIdentity{Accounts: DemoAccounts},
		TransactionHistory{Accounts: DemoAccounts, History: DemoTransactions},
	)
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) ListTools(ctx context.Context) ([]Tool, error) {
	out := make([]Tool, 0, len(r.byName))
	for _, name := range r.Names() {
		out = append(out, r.byName[name].Definition())
	}
	return out, nil
}

func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	ex, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return nil, execErr(name, ErrUnknownTool)
	}
	if args == nil {
		args = map[string]any{}
	}
	out, err := ex.Execute(ctx, args)
	if err != nil {
		return nil, execErr(name, err)
	}
	return out, nil
}

// CurrentTime reports the wall clock in an IANA timezone.
type CurrentTime struct {
	Now func() time.Time
}

func (CurrentTime) Name() string { return ToolCurrentTime }

func (CurrentTime) Definition() Tool {
	return Tool{
		Name:        ToolCurrentTime,
		Description: "Returns the current date and time in a timezone.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{"type": "string", "description": "IANA timezone such as Europe/London. Defaults to UTC."},
			},
		},
	}
}

func (c CurrentTime) Execute(ctx context.Context, args map[string]any) (any, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	tz, _ := args["timezone"].(string)
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", tz)
	}
	t := now().In(loc)
	return map[string]any{
		"timezone": tz,
		"time":     t.Format("15:04"),
		"date":     t.Format("Monday 2 January 2006"),
		"iso":      t.Format(time.RFC3339),
	}, nil
}

// Account is a demo bank account.
type Account struct {
	SortCode string
	Balance  float64
}

// DemoAccounts backs the built-in banking tools.
var DemoAccounts = map[string]Account{
	"1234567890": {SortCode: "112233", Balance: 5421.75},
	"0987654321": {SortCode: "445566", Balance: 150000.00},
	"1122334455": {SortCode: "990011", Balance: 98.10},
}

var errAccountMismatch = errors.New("the account number and sort code do not match")

func accountArgs(args map[string]any) (string, string, error) {
	id := argString(args, "accountId", "account_id", "accountNumber")
	sc := argString(args, "sortCode", "sort_code")
	var missing []string
	if id == "" {
		missing = append(missing, "accountId")
	}
	if sc == "" {
		missing = append(missing, "sortCode")
	}
	if len(missing) > 0 {
		return "", "", fmt.Errorf("missing required parameters: %s", strings.Join(missing, ", "))
	}
	return id, sc, nil
}

func argString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := args[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case fmt.Stringer:
			return v.String()
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

var accountSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"accountId": map[string]any{"type": "string"},
		"sortCode":  map[string]any{"type": "string"},
	},
	"required": []any{"accountId", "sortCode"},
}

// Balance looks up a demo account balance.
type Balance struct {
	Accounts map[string]Account
}

func (Balance) Name() string { return ToolBalance }

func (Balance) Definition() Tool {
	return Tool{Name: ToolBalance, Description: "Returns the balance of an account given its account number and sort code.", Schema: accountSchema}
}

func (b Balance) Execute(ctx context.Context, args map[string]any) (any, error) {
	id, sc, err := accountArgs(args)
	if err != nil {
		return nil, err
	}
	acct, ok := b.Accounts[id]
	if !ok {
		return nil, fmt.Errorf("no account with id %s", id)
	}
	if acct.SortCode != sc {
		return nil, errAccountMismatch
	}
	return map[string]any{
		"status":    "success",
		"accountId": id,
		"balance":   acct.Balance,
		"formatted": fmt.Sprintf("£%.2f", acct.Balance),
	}, nil
}

// VerifyIdentity checks an account number against its sort code.
type VerifyIdentity struct {
	Accounts map[string]Account
}

func (VerifyIdentity) Name() string { return ToolVerifyIdentity }

func (VerifyIdentity) Definition() Tool {
	return Tool{Name: ToolVerifyIdentity, Description: "Verifies the caller by account number and sort code.", Schema: accountSchema}
}

func (v VerifyIdentity) Execute(ctx context.Context, args map[string]any) (any, error) {
	id, sc, err := accountArgs(args)
	if err != nil {
		return nil, err
	}
	acct, ok := v.Accounts[id]
	if !ok || acct.SortCode != sc {
		return map[string]any{"status": "failed", "verified": false}, nil
	}
	return map[string]any{"status": "success", "verified": true, "accountId": id}, nil
}

// Transaction is one demo statement line. Amount is negative for debits.
type Transaction struct {
	Date        string
	Type        string
	Description string
	Amount      float64
	Balance     float64
}

// DemoTransactions holds statements newest first.
var DemoTransactions = map[string][]Transaction{
	"1234567890": {
		{"2024-12-10", "Direct Debit", "NETFLIX SUBSCRIPTION", -15.99, 5421.75},
		{"2024-12-09", "Card Payment", "TESCO STORES 2847", -67.43, 5437.74},
		{"2024-12-08", "Faster Payment", "FROM JOHN SMITH", 250.00, 5505.17},
		{"2024-12-07", "Card Payment", "AMAZON.CO.UK", -89.99, 5255.17},
		{"2024-12-06", "ATM Withdrawal", "HSBC ATM LONDON", -100.00, 5345.16},
		{"2024-12-05", "Salary", "ACME CORP LTD", 2500.00, 5445.16},
		{"2024-12-04", "Card Payment", "STARBUCKS #1234", -4.85, 2945.16},
		{"2024-12-03", "Standing Order", "RENT PAYMENT", -1200.00, 2950.01},
		{"2024-12-02", "Card Payment", "UBER TRIP", -18.50, 4150.01},
		{"2024-12-01", "Interest", "MONTHLY INTEREST", 12.34, 4168.51},
	},
	"0987654321": {
		{"2024-12-10", "Investment Return", "PORTFOLIO DIVIDEND", 5000.00, 150000.00},
		{"2024-12-09", "Wire Transfer", "BUSINESS PAYMENT", -25000.00, 145000.00},
	},
	"1122334455": {
		{"2024-12-10", "Card Payment", "COFFEE SHOP", -3.50, 98.10},
		{"2024-12-09", "ATM Withdrawal", "BANK ATM", -20.00, 101.60},
	},
}

// TransactionHistory lists recent statement lines for a verified account.
type TransactionHistory struct {
	Accounts map[string]Account
	History  map[string][]Transaction
}

func (TransactionHistory) Name() string { return ToolTransactions }

func (TransactionHistory) Definition() Tool {
	return Tool{
		Name:        ToolTransactions,
		Description: "Returns the most recent transactions of an account given its account number and sort code.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"accountId": map[string]any{"type": "string"},
				"sortCode":  map[string]any{"type": "string"},
				"limit":     map[string]any{"type": "integer", "minimum": 1, "maximum": maxTransactions, "description": "How many transactions to return. Defaults to 10."},
			},
			"required": []any{"accountId", "sortCode"},
		},
	}
}

func (h TransactionHistory) Execute(ctx context.Context, args map[string]any) (any, error) {
	id, sc, err := accountArgs(args)
	if err != nil {
		return nil, err
	}
	acct, ok := h.Accounts[id]
	if !ok {
		return nil, fmt.Errorf("no account with id %s", id)
	}
	if acct.SortCode != sc {
		return nil, errAccountMismatch
	}
	limit := maxTransactions
	switch n := args["limit"].(type) {
	case float64:
		if n >= 1 && n < maxTransactions {
			limit = int(n)
		}
	case int:
		if n >= 1 && n < maxTransactions {
			limit = n
		}
	}
	history := h.History[id]
	if len(history) > limit {
		history = history[:limit]
	}

	items := make([]map[string]any, 0, len(history))
	lines := make([]string, 0, len(history))
	for _, tx := range history {
		sign := "+"
		if tx.Amount < 0 {
			sign = "-"
		}
		amount := fmt.Sprintf("%s£%.2f", sign, math.Abs(tx.Amount))
		items = append(items, map[string]any{
			"date":        tx.Date,
			"type":        tx.Type,
			"description": tx.Description,
			"amount":      tx.Amount,
			"balance":     tx.Balance,
		})
		lines = append(lines, fmt.Sprintf("%s %s %s %s, balance £%.2f", tx.Date, tx.Type, tx.Description, amount, tx.Balance))
	}
	summary := "No recent transactions."
	if len(lines) > 0 {
		summary = strings.Join(lines, "\n")
	}
	return map[string]any{
		"status":       "success",
		"accountId":    id,
		"count":        len(items),
		"transactions": items,
		"summary":      summary,
	}, nil
}
