package ecr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/danmuck/ecrlink/internal/protocol/frame"
)

// WireTimeout is the response timeout, in seconds, the terminal is told to honor.
const WireTimeout = "120"

var unsignedSignature = strings.Repeat("0", SignatureLen)

// ComputeSignature returns the lowercase SHA-256 hex digest of input.
func ComputeSignature(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

type payloadWriter struct {
	buf bytes.Buffer
}

func (w *payloadWriter) field(v string) {
	w.buf.WriteString(v)
	w.buf.WriteByte(frame.FS)
}

func (w *payloadWriter) number(v int64, width int) {
	w.field(fmt.Sprintf("%0*d", width, v))
}

// EncodePayload lays out the request fields in the terminal's wire order.
func EncodePayload(r Request) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	t := r.Type
	w := &payloadWriter{}
	w.buf.WriteByte(frame.FS)
	w.field(t.Command())

	switch t {
	case TypePurchase, TypePurchaseCashback, TypePreAuth, TypeCashAdvance, TypeBillPay:
		if t == TypeBillPay {
			w.number(r.BillerID, 6)
			w.number(r.BillNumber, 6)
		}
		w.number(r.Amount, 12)
		if t == TypePurchaseCashback {
			w.number(r.CashbackAmount, 12)
		}
	}

	w.field(r.DateTime.Format(DateTimeLayout))

	switch t {
	case TypePrintSummaryReport:
		w.number(int64(r.AttemptNumber), 3)
	case TypeRegister, TypeStartSession, TypeEndSession:
		w.field(r.CashRegister)
	case TypeRefund, TypePreAuthCompletion, TypePreAuthVoid:
		w.number(r.Amount, 12)
		w.field(r.RRN)
	case TypePreAuthExtension:
		w.field(r.RRN)
	case TypeSetParam:
		w.field(r.VendorID)
		w.field(r.VendorTerminalType)
		w.field(r.TRSMID)
		w.number(int64(r.VendorKeyIndex), 2)
		w.number(int64(r.SAMAKeyIndex), 2)
	case TypeRepeat:
		w.number(r.PrevECRNumber, 6)
	}

	switch t {
	case TypePreAuthCompletion, TypePreAuthExtension, TypePreAuthVoid:
		w.field(r.OrigTranDate)
		w.field(r.OrigApprovalCode)
		if t == TypePreAuthCompletion {
			w.field(boolDigit(r.PartialCompletion))
		}
	}

	if t.HasRefNum() {
		w.field(r.RefNum)
		if t == TypeSetTerminalLanguage {
			w.field(fmt.Sprintf("%d", r.Language))
		}
		if t.has(fieldPrint) {
			w.field(boolDigit(r.PrintReceipt))
		}
		sig := r.Signature
		if sig == "" {
			sig = unsignedSignature
		}
		w.field(sig)
	}

	w.field(WireTimeout)
	return w.buf.Bytes(), nil
}

// Pack encodes r as a complete STX/ETX/LRC frame ready for the socket.
func Pack(r Request) ([]byte, error) {
	payload, err := EncodePayload(r)
	if err != nil {
		return nil, err
	}
	return frame.Encode(payload, frame.DefaultLimits())
}
