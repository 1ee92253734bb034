// Package payrollcalc is the client for the external payroll calculation
// service that turns salary inputs into a payslip breakdown.
package payrollcalc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

// ComponentType classifies a payslip line.
type ComponentType string

const (
	ComponentEarning   ComponentType = "EARNING"
	ComponentDeduction ComponentType = "DEDUCTION"
	ComponentEmployer  ComponentType = "EMPLOYER"
)

// Line is one payslip component amount.
type Line struct {
	Name   string          `json:"name"`
	Type   ComponentType   `json:"type"`
	Amount decimal.Decimal `json:"amount"`
}

// Payslip is a computed or historically paid payslip breakdown.
type Payslip struct {
	EmployeeID            int64  `json:"employee_id"`
	PeriodID              int64  `json:"period_id"`
	Earnings              []Line `json:"earnings"`
	Deductions            []Line `json:"deductions"`
	EmployerContributions []Line `json:"employer_contributions"`
}

// Overrides replace the salary inputs the service would otherwise read.
type Overrides struct {
	BasicSalary decimal.Decimal `json:"basic_salary"`
	GradeCode   string          `json:"grade_code,omitempty"`
	GradeLevel  int             `json:"grade_level,omitempty"`
	Notch       int             `json:"notch,omitempty"`
}

type computeRequest struct {
	EmployeeID int64     `json:"employee_id"`
	PeriodID   int64     `json:"period_id"`
	Overrides  Overrides `json:"overrides"`
}

// Client talks to the payroll calculation service over HTTP.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient constructs a new client. timeout bounds every call.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ComputePayslip asks the service what should be paid for the period with overrides applied.
func (c *Client) ComputePayslip(ctx context.Context, employeeID, periodID int64, overrides Overrides) (Payslip, error) {
	body, err := json.Marshal(computeRequest{EmployeeID: employeeID, PeriodID: periodID, Overrides: overrides})
	if err != nil {
		return Payslip{}, err
	}
	var slip Payslip
	found, err := c.do(ctx, http.MethodPost, c.baseURL+"/payslips/compute", body, &slip)
	if err != nil {
		return Payslip{}, err
	}
	if !found {
		return Payslip{}, fmt.Errorf("payrollcalc: compute employee %d period %d: %w", employeeID, periodID, shared.ErrNotFound)
	}
	return slip, nil
}

// PaidPayslip returns the payslip actually paid for the period. found is false
// when the employee was not paid in that period.
func (c *Client) PaidPayslip(ctx context.Context, employeeID, periodID int64) (Payslip, bool, error) {
	var slip Payslip
	url := fmt.Sprintf("%s/payslips/%d/%d", c.baseURL, employeeID, periodID)
	found, err := c.do(ctx, http.MethodGet, url, nil, &slip)
	if err != nil || !found {
		return Payslip{}, false, err
	}
	return slip, true, nil
}

// Ping checks if the remote service is available.
func (c *Client) Ping(ctx context.Context) error {
	found, err := c.do(ctx, http.MethodGet, c.baseURL+"/health", nil, nil)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("payrollcalc: health endpoint missing: %w", shared.ErrDependency)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, dest any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, fmt.Errorf("payrollcalc: %s %s timed out: %w", method, url, shared.ErrDependency)
		}
		return false, fmt.Errorf("payrollcalc: %s %s: %v: %w", method, url, err, shared.ErrDependency)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("payrollcalc: %s %s returned status %d: %s: %w",
			method, url, resp.StatusCode, strings.TrimSpace(string(msg)), shared.ErrDependency)
	}
	if dest == nil {
		return true, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return false, fmt.Errorf("payrollcalc: decode response: %v: %w", err, shared.ErrDependency)
	}
	return true, nil
}
