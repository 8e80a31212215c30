package nodeapi

// Balance is the confirmed/unconfirmed satoshi balance of an address.
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// Total returns the spendable balance including unconfirmed outputs.
func (b Balance) Total() int64 {
	return b.Confirmed + b.Unconfirmed
}

type balanceResponse struct {
	Success bool    `json:"success"`
	Balance Balance `json:"balance"`
}

// UTXO is one unspent output of an address.
type UTXO struct {
	TxID   string `json:"tx_hash"`
	Vout   uint32 `json:"tx_pos"`
	Value  int64  `json:"value"`
	Height int64  `json:"height"`
}

type utxoResponse struct {
	Success bool   `json:"success"`
	UTXOs   []UTXO `json:"utxos"`
}

type broadcastRequest struct {
	Hexes []string `json:"hexes"`
}

type priceResponse struct {
	USD float64 `json:"usd"`
}
