package api

import (
	"time"

	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/money"
)

type registerRequest struct {
	Tag         string `json:"tag"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

type transferRequest struct {
	RecipientTag string       `json:"recipient_tag"`
	Amount       money.Amount `json:"amount"`
	Password     string       `json:"password"`
}

type settleRequest struct {
	Items []lineItem `json:"items"`
}

type receiveRequest struct {
	SenderTag string       `json:"sender_tag"`
	Amount    money.Amount `json:"amount"`
}

// scanReport is the reader's callback body. Older firmware sends only uid
// and success.
type scanReport struct {
	RequestID  string `json:"request_id"`
	ReceiverID string `json:"receiver_id"`
	ScanID     string `json:"scan_id"`
	UID        string `json:"uid"`
	Success    *bool  `json:"success"`
}

type accountResponse struct {
	AccountID   string       `json:"account_id"`
	Tag         string       `json:"tag"`
	DisplayName string       `json:"display_name"`
	Balance     money.Amount `json:"balance"`
	Version     int64        `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
}

type balanceResponse struct {
	AccountID string       `json:"account_id"`
	Balance   money.Amount `json:"balance"`
	Version   int64        `json:"version"`
}

func newBalanceResponse(snap ledger.Snapshot) balanceResponse {
	return balanceResponse{AccountID: snap.AccountID, Balance: snap.Balance, Version: snap.Version}
}

type transferResponse struct {
	ID            string       `json:"id"`
	SenderID      string       `json:"sender_id"`
	RecipientID   string       `json:"recipient_id"`
	Amount        money.Amount `json:"amount"`
	Status        string       `json:"status"`
	ScanID        string       `json:"scan_id,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func newTransferResponse(rec *ledger.TransferRecord) transferResponse {
	return transferResponse{
		ID:            rec.ID,
		SenderID:      rec.SenderID,
		RecipientID:   rec.RecipientID,
		Amount:        rec.Amount,
		Status:        string(rec.Status),
		ScanID:        rec.ScanID,
		FailureReason: rec.FailureReason,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

type lineItem struct {
	ItemID    string       `json:"item_id"`
	Name      string       `json:"name"`
	Quantity  int          `json:"quantity"`
	UnitPrice money.Amount `json:"unit_price"`
}

func (li lineItem) toLedger() ledger.LineItem {
	return ledger.LineItem{ItemID: li.ItemID, Name: li.Name, Quantity: li.Quantity, UnitPrice: li.UnitPrice}
}

func newLineItem(li ledger.LineItem) lineItem {
	return lineItem{ItemID: li.ItemID, Name: li.Name, Quantity: li.Quantity, UnitPrice: li.UnitPrice}
}

type purchaseResponse struct {
	ID          string       `json:"id"`
	AccountID   string       `json:"account_id"`
	Items       []lineItem   `json:"items"`
	Total       money.Amount `json:"total"`
	PurchasedAt time.Time    `json:"purchased_at"`
}

func newPurchaseResponse(rec *ledger.PurchaseRecord) purchaseResponse {
	items := make([]lineItem, 0, len(rec.LineItems))
	for _, li := range rec.LineItems {
		items = append(items, newLineItem(li))
	}
	return purchaseResponse{
		ID:          rec.ID,
		AccountID:   rec.AccountID,
		Items:       items,
		Total:       rec.Total,
		PurchasedAt: rec.PurchasedAt,
	}
}

type cartEntryResponse struct {
	ID       string       `json:"id"`
	Item     lineItem     `json:"item"`
	Subtotal money.Amount `json:"subtotal"`
	AddedAt  time.Time    `json:"added_at"`
}

func newCartEntryResponse(entry ledger.CartEntry) (cartEntryResponse, error) {
	subtotal, err := entry.Item.Subtotal()
	if err != nil {
		return cartEntryResponse{}, err
	}
	return cartEntryResponse{
		ID:       entry.ID,
		Item:     newLineItem(entry.Item),
		Subtotal: subtotal,
		AddedAt:  entry.AddedAt,
	}, nil
}

type cartResponse struct {
	Entries []cartEntryResponse `json:"entries"`
	Total   money.Amount        `json:"total"`
}

type receiveResponse struct {
	ID               string       `json:"id"`
	ReceiverID       string       `json:"receiver_id"`
	ClaimedSenderTag string       `json:"claimed_sender_tag"`
	SenderID         string       `json:"sender_id"`
	Amount           money.Amount `json:"amount"`
	Status           string       `json:"status"`
	ScanID           string       `json:"scan_id,omitempty"`
	CardUID          string       `json:"card_uid,omitempty"`
	TransferID       string       `json:"transfer_id,omitempty"`
	FailureReason    string       `json:"failure_reason,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`

	// Error and Message describe why an awaited request ended unsuccessfully
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func newReceiveResponse(req *ledger.ReceiveRequest, cause error) receiveResponse {
	resp := receiveResponse{
		ID:               req.ID,
		ReceiverID:       req.ReceiverID,
		ClaimedSenderTag: req.ClaimedSenderTag,
		SenderID:         req.SenderID,
		Amount:           req.Amount,
		Status:           string(req.Status),
		ScanID:           req.ScanID,
		CardUID:          req.CardUID,
		TransferID:       req.TransferID,
		FailureReason:    req.FailureReason,
		CreatedAt:        req.CreatedAt,
		UpdatedAt:        req.UpdatedAt,
	}
	if cause != nil {
		_, body := describeError(cause)
		resp.Error, resp.Message = body.Error, body.Message
	}
	return resp
}

type reconciliationResponse struct {
	ID         string       `json:"id"`
	Kind       string       `json:"kind"`
	AccountID  string       `json:"account_id"`
	Amount     money.Amount `json:"amount"`
	Reference  string       `json:"reference"`
	Reason     string       `json:"reason"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

func newReconciliationResponse(item ledger.Reconciliation) reconciliationResponse {
	return reconciliationResponse{
		ID:         item.ID,
		Kind:       string(item.Kind),
		AccountID:  item.AccountID,
		Amount:     item.Amount,
		Reference:  item.Reference,
		Reason:     item.Reason,
		CreatedAt:  item.CreatedAt,
		ResolvedAt: item.ResolvedAt,
	}
}
