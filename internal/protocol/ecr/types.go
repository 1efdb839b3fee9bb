package ecr

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrUnsupportedType = errors.New("ecr: unsupported transaction type")
	ErrInvalidRequest  = errors.New("ecr: invalid request")
	ErrInvalidResponse = errors.New("ecr: invalid response")
	ErrFieldCount      = errors.New("ecr: field count mismatch")
)

// TransactionType mirrors the terminal SDK's transaction type numbering.
type TransactionType int

const (
	TypePurchase TransactionType = iota
	TypePurchaseCashback
	TypeRefund
	TypePreAuth
	TypePreAuthCompletion
	TypePreAuthExtension
	TypePreAuthVoid
	TypeAdvice
	TypeCashAdvance
	TypeReversal
	TypeReconciliation
	TypeParamDownload
	TypeSetParam
	TypeGetParam
	TypeSetTerminalLanguage
	TypeTerminalStatus
	TypePrevTransactionDetails
	TypeRegister
	TypeStartSession
	TypeEndSession
	TypeBillPay
	TypePrintDetailReport
	TypePrintSummaryReport
	TypeRepeat
	TypeCheckStatus
	TypePartialDownload
	TypeSnapshotTotal
)

// field identifies one positional slot of the request string.
type field int

const (
	fieldUnused field = iota
	fieldDateTime
	fieldAmount
	fieldCashback
	fieldPrint
	fieldRefNum
	fieldRRN
	fieldOrigDate
	fieldApproval
	fieldPartial
	fieldCashRegister
	fieldLanguage
	fieldVendorID
	fieldTerminalType
	fieldTRSMID
	fieldVendorKey
	fieldSAMAKey
	fieldBiller
	fieldBillNumber
	fieldPrevECR
	fieldAttempt
)

type typeSpec struct {
	name    string
	command string
	fields  []field
}

// Advice, TerminalStatus and PrevTransactionDetails have no command code in the
// terminal SDK and are intentionally absent.
var typeSpecs = map[TransactionType]typeSpec{
	TypePurchase: {"purchase", "A1", []field{
		fieldDateTime, fieldAmount, fieldPrint, fieldRefNum}},
	TypePurchaseCashback: {"purchase_cashback", "A2", []field{
		fieldDateTime, fieldAmount, fieldCashback, fieldPrint, fieldRefNum}},
	TypeRefund: {"refund", "A6", []field{
		fieldDateTime, fieldAmount, fieldRRN, fieldPrint, fieldOrigDate, fieldRefNum}},
	TypePreAuth: {"preauth", "A4", []field{
		fieldDateTime, fieldAmount, fieldPrint, fieldRefNum}},
	TypePreAuthCompletion: {"preauth_completion", "A7", []field{
		fieldDateTime, fieldAmount, fieldRRN, fieldOrigDate, fieldApproval, fieldPartial, fieldPrint, fieldRefNum}},
	TypePreAuthExtension: {"preauth_extension", "A8", []field{
		fieldDateTime, fieldRRN, fieldOrigDate, fieldApproval, fieldPrint, fieldRefNum}},
	TypePreAuthVoid: {"preauth_void", "A9", []field{
		fieldDateTime, fieldAmount, fieldRRN, fieldOrigDate, fieldApproval, fieldPrint, fieldRefNum}},
	TypeCashAdvance: {"cash_advance", "A3", []field{
		fieldDateTime, fieldAmount, fieldPrint, fieldRefNum}},
	TypeReversal: {"reversal", "A5", []field{
		fieldDateTime, fieldPrint, fieldRefNum}},
	TypeReconciliation: {"reconciliation", "B1", []field{
		fieldDateTime, fieldPrint, fieldRefNum}},
	TypeParamDownload: {"param_download", "B2", []field{
		fieldDateTime, fieldRefNum}},
	TypeSetParam: {"set_param", "B3", []field{
		fieldDateTime, fieldVendorID, fieldTerminalType, fieldTRSMID, fieldVendorKey, fieldSAMAKey, fieldRefNum}},
	TypeGetParam: {"get_param", "B4", []field{
		fieldDateTime, fieldRefNum}},
	TypeSetTerminalLanguage: {"set_terminal_language", "B5", []field{
		fieldDateTime, fieldLanguage, fieldRefNum}},
	TypeRegister: {"register", "A0", []field{
		fieldDateTime, fieldCashRegister}},
	TypeStartSession: {"start_session", "B6", []field{
		fieldDateTime, fieldCashRegister}},
	TypeEndSession: {"end_session", "B7", []field{
		fieldDateTime, fieldCashRegister}},
	TypeBillPay: {"bill_pay", "B8", []field{
		fieldDateTime, fieldAmount, fieldBiller, fieldBillNumber, fieldPrint, fieldRefNum}},
	TypePrintDetailReport: {"print_detail_report", "B9", []field{
		fieldDateTime, fieldRefNum}},
	TypePrintSummaryReport: {"print_summary_report", "C1", []field{
		fieldDateTime, fieldAttempt, fieldRefNum}},
	TypeRepeat: {"repeat", "C2", []field{
		fieldDateTime, fieldPrevECR, fieldRefNum}},
	TypeCheckStatus: {"check_status", "C3", []field{
		fieldDateTime, fieldRefNum}},
	TypePartialDownload: {"partial_download", "C4", []field{
		fieldDateTime, fieldRefNum}},
	TypeSnapshotTotal: {"snapshot_total", "C5", []field{
		fieldDateTime, fieldRefNum}},
}

func lookup(t TransactionType) (typeSpec, error) {
	spec, ok := typeSpecs[t]
	if !ok {
		return typeSpec{}, fmt.Errorf("%w: %d", ErrUnsupportedType, int(t))
	}
	return spec, nil
}

// Supported reports whether the terminal accepts t.
func (t TransactionType) Supported() bool {
	_, ok := typeSpecs[t]
	return ok
}

func (t TransactionType) String() string {
	if spec, ok := typeSpecs[t]; ok {
		return spec.name
	}
	return "type_" + strconv.Itoa(int(t))
}

// Command returns the two-character command code sent on the wire.
func (t TransactionType) Command() string {
	return typeSpecs[t].command
}

// FieldCount is the number of request-string fields the type expects.
func (t TransactionType) FieldCount() int {
	return len(typeSpecs[t].fields)
}

func (t TransactionType) has(f field) bool {
	for _, v := range typeSpecs[t].fields {
		if v == f {
			return true
		}
	}
	return false
}

// HasRefNum reports whether the type carries an ECR reference number.
func (t TransactionType) HasRefNum() bool {
	return t.has(fieldRefNum)
}

func (t TransactionType) MarshalText() ([]byte, error) {
	if !t.Supported() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, int(t))
	}
	return []byte(t.String()), nil
}

func (t *TransactionType) UnmarshalText(text []byte) error {
	v, err := ParseTransactionType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTransactionType accepts a type name, its command code, or its SDK number.
func ParseTransactionType(raw string) (TransactionType, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		t := TransactionType(n)
		if !t.Supported() {
			return 0, fmt.Errorf("%w: %d", ErrUnsupportedType, n)
		}
		return t, nil
	}
	lower := strings.ToLower(raw)
	for t, spec := range typeSpecs {
		if spec.name == lower || strings.EqualFold(spec.command, raw) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, raw)
}

// TypeForCommand maps a wire command code back to its transaction type.
func TypeForCommand(cmd string) (TransactionType, bool) {
	for t, spec := range typeSpecs {
		if spec.command == cmd {
			return t, true
		}
	}
	return 0, false
}

// SupportedTypes lists every supported type ordered by SDK number.
func SupportedTypes() []TransactionType {
	out := make([]TransactionType, 0, len(typeSpecs))
	for t := range typeSpecs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
