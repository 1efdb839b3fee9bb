package ecr

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/ecrlink/internal/protocol/frame"
)

const (
	// DateTimeLayout is the terminal's DDMMYYhhmmss timestamp.
	DateTimeLayout = "020106150405"

	MaxAmount       = 999999999999
	MaxRefNumLen    = 14
	MaxRRNLen       = 12
	MaxApprovalLen  = 6
	CashRegisterLen = 8
	SignatureLen    = 64

	requestDelimiter  = ';'
	requestTerminator = '!'
)

// Request is one typed terminal request. Only the fields the Type uses are read.
type Request struct {
	Type               TransactionType `json:"type"`
	DateTime           time.Time       `json:"date_time"`
	Amount             int64           `json:"amount,omitempty"`
	CashbackAmount     int64           `json:"cashback_amount,omitempty"`
	PrintReceipt       bool            `json:"print_receipt,omitempty"`
	RefNum             string          `json:"ref_num,omitempty"`
	RRN                string          `json:"rrn,omitempty"`
	OrigTranDate       string          `json:"orig_tran_date,omitempty"`
	OrigApprovalCode   string          `json:"orig_approval_code,omitempty"`
	PartialCompletion  bool            `json:"partial_completion,omitempty"`
	CashRegister       string          `json:"cash_register,omitempty"`
	Language           int             `json:"language,omitempty"`
	VendorID           string          `json:"vendor_id,omitempty"`
	VendorTerminalType string          `json:"vendor_terminal_type,omitempty"`
	TRSMID             string          `json:"trsm_id,omitempty"`
	VendorKeyIndex     int             `json:"vendor_key_index,omitempty"`
	SAMAKeyIndex       int             `json:"sama_key_index,omitempty"`
	BillerID           int64           `json:"biller_id,omitempty"`
	BillNumber         int64           `json:"bill_number,omitempty"`
	PrevECRNumber      int64           `json:"prev_ecr_number,omitempty"`
	AttemptNumber      int             `json:"attempt_number,omitempty"`
	Signature          string          `json:"signature,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, args...)...)
}

// Validate checks every field the request type puts on the wire.
func (r Request) Validate() error {
	spec, err := lookup(r.Type)
	if err != nil {
		return err
	}
	for _, f := range spec.fields {
		if err := r.validateField(f); err != nil {
			return err
		}
	}
	if r.Signature != "" && len(r.Signature) != SignatureLen {
		return invalid("signature must be %d characters", SignatureLen)
	}
	if err := checkText("signature", r.Signature); err != nil {
		return err
	}
	return nil
}

func (r Request) validateField(f field) error {
	switch f {
	case fieldDateTime:
		if r.DateTime.IsZero() {
			return invalid("missing date_time")
		}
	case fieldAmount:
		return checkRange("amount", r.Amount, 1, MaxAmount)
	case fieldCashback:
		return checkRange("cashback_amount", r.CashbackAmount, 1, MaxAmount)
	case fieldRefNum:
		return checkString("ref_num", r.RefNum, 1, MaxRefNumLen)
	case fieldRRN:
		return checkString("rrn", r.RRN, 1, MaxRRNLen)
	case fieldOrigDate:
		if len(r.OrigTranDate) != 6 || !isDigits(r.OrigTranDate) {
			return invalid("orig_tran_date must be 6 digits (DDMMYY)")
		}
	case fieldApproval:
		return checkString("orig_approval_code", r.OrigApprovalCode, 1, MaxApprovalLen)
	case fieldCashRegister:
		return checkString("cash_register", r.CashRegister, CashRegisterLen, CashRegisterLen)
	case fieldLanguage:
		return checkRange("language", int64(r.Language), 0, 9)
	case fieldVendorID:
		return checkString("vendor_id", r.VendorID, 2, 2)
	case fieldTerminalType:
		return checkString("vendor_terminal_type", r.VendorTerminalType, 2, 2)
	case fieldTRSMID:
		return checkString("trsm_id", r.TRSMID, 6, 6)
	case fieldVendorKey:
		return checkRange("vendor_key_index", int64(r.VendorKeyIndex), 0, 99)
	case fieldSAMAKey:
		return checkRange("sama_key_index", int64(r.SAMAKeyIndex), 0, 99)
	case fieldBiller:
		return checkRange("biller_id", r.BillerID, 0, 999999)
	case fieldBillNumber:
		return checkRange("bill_number", r.BillNumber, 0, 999999)
	case fieldPrevECR:
		return checkRange("prev_ecr_number", r.PrevECRNumber, 0, 999999)
	case fieldAttempt:
		return checkRange("attempt_number", int64(r.AttemptNumber), 0, 999)
	}
	return nil
}

// Fields returns the positional request-string values for the request type.
func (r Request) Fields() ([]string, error) {
	spec, err := lookup(r.Type)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(spec.fields))
	for _, f := range spec.fields {
		out = append(out, r.get(f))
	}
	return out, nil
}

func (r Request) get(f field) string {
	switch f {
	case fieldDateTime:
		return r.DateTime.Format(DateTimeLayout)
	case fieldAmount:
		return strconv.FormatInt(r.Amount, 10)
	case fieldCashback:
		return strconv.FormatInt(r.CashbackAmount, 10)
	case fieldPrint:
		return boolDigit(r.PrintReceipt)
	case fieldRefNum:
		return r.RefNum
	case fieldRRN:
		return r.RRN
	case fieldOrigDate:
		return r.OrigTranDate
	case fieldApproval:
		return r.OrigApprovalCode
	case fieldPartial:
		return boolDigit(r.PartialCompletion)
	case fieldCashRegister:
		return r.CashRegister
	case fieldLanguage:
		return strconv.Itoa(r.Language)
	case fieldVendorID:
		return r.VendorID
	case fieldTerminalType:
		return r.VendorTerminalType
	case fieldTRSMID:
		return r.TRSMID
	case fieldVendorKey:
		return strconv.Itoa(r.VendorKeyIndex)
	case fieldSAMAKey:
		return strconv.Itoa(r.SAMAKeyIndex)
	case fieldBiller:
		return strconv.FormatInt(r.BillerID, 10)
	case fieldBillNumber:
		return strconv.FormatInt(r.BillNumber, 10)
	case fieldPrevECR:
		return strconv.FormatInt(r.PrevECRNumber, 10)
	case fieldAttempt:
		return strconv.Itoa(r.AttemptNumber)
	}
	return ""
}

func (r *Request) set(f field, raw string) error {
	var err error
	switch f {
	case fieldDateTime:
		r.DateTime, err = time.ParseInLocation(DateTimeLayout, raw, time.Local)
	case fieldAmount:
		r.Amount, err = strconv.ParseInt(raw, 10, 64)
	case fieldCashback:
		r.CashbackAmount, err = strconv.ParseInt(raw, 10, 64)
	case fieldPrint:
		r.PrintReceipt, err = parseDigitBool(raw)
	case fieldRefNum:
		r.RefNum = raw
	case fieldRRN:
		r.RRN = raw
	case fieldOrigDate:
		r.OrigTranDate = raw
	case fieldApproval:
		r.OrigApprovalCode = raw
	case fieldPartial:
		r.PartialCompletion, err = parseDigitBool(raw)
	case fieldCashRegister:
		r.CashRegister = raw
	case fieldLanguage:
		r.Language, err = strconv.Atoi(raw)
	case fieldVendorID:
		r.VendorID = raw
	case fieldTerminalType:
		r.VendorTerminalType = raw
	case fieldTRSMID:
		r.TRSMID = raw
	case fieldVendorKey:
		r.VendorKeyIndex, err = strconv.Atoi(raw)
	case fieldSAMAKey:
		r.SAMAKeyIndex, err = strconv.Atoi(raw)
	case fieldBiller:
		r.BillerID, err = strconv.ParseInt(raw, 10, 64)
	case fieldBillNumber:
		r.BillNumber, err = strconv.ParseInt(raw, 10, 64)
	case fieldPrevECR:
		r.PrevECRNumber, err = strconv.ParseInt(raw, 10, 64)
	case fieldAttempt:
		r.AttemptNumber, err = strconv.Atoi(raw)
	}
	return err
}

// FormatRequest renders the ";"-separated, "!"-terminated request string.
func FormatRequest(r Request) (string, error) {
	fields, err := r.Fields()
	if err != nil {
		return "", err
	}
	return strings.Join(fields, string(requestDelimiter)) + string(requestTerminator), nil
}

// ParseFields splits a request string into its fields. The terminator is required.
func ParseFields(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasSuffix(raw, string(requestTerminator)) {
		return nil, invalid("request string missing %q terminator", requestTerminator)
	}
	body := strings.TrimSuffix(raw, string(requestTerminator))
	if body == "" {
		return []string{}, nil
	}
	return strings.Split(body, string(requestDelimiter)), nil
}

// ParseRequest builds a typed request from its request string form.
func ParseRequest(t TransactionType, raw string) (Request, error) {
	spec, err := lookup(t)
	if err != nil {
		return Request{}, err
	}
	fields, err := ParseFields(raw)
	if err != nil {
		return Request{}, err
	}
	if len(fields) != len(spec.fields) {
		return Request{}, fmt.Errorf("%w: %s wants %d fields, got %d", ErrFieldCount, spec.name, len(spec.fields), len(fields))
	}
	req := Request{Type: t}
	for i, f := range spec.fields {
		if err := req.set(f, strings.TrimSpace(fields[i])); err != nil {
			return Request{}, invalid("field %d: %v", i, err)
		}
	}
	return req, nil
}

func checkRange(name string, v, min, max int64) error {
	if v < min || v > max {
		return invalid("%s out of range [%d, %d]: %d", name, min, max, v)
	}
	return nil
}

func checkString(name, v string, minLen, maxLen int) error {
	if len(v) < minLen || len(v) > maxLen {
		if minLen == maxLen {
			return invalid("%s must be %d characters", name, minLen)
		}
		return invalid("%s length must be %d..%d", name, minLen, maxLen)
	}
	return checkText(name, v)
}

func checkText(name, v string) error {
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case frame.STX, frame.ETX, frame.FS, requestDelimiter, requestTerminator:
			return invalid("%s contains a reserved character", name)
		}
	}
	return nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func boolDigit(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func parseDigitBool(raw string) (bool, error) {
	switch raw {
	case "1", "true":
		return true, nil
	case "0", "false", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid flag %q", raw)
}
