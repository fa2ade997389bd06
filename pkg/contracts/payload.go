package contracts

// RowDataState discriminates why a payload's bytes may or may not be present
// on retrieval. Callers must switch on State; treating a nil Data as a
// single failure case is an error (§4.2).
type RowDataState string

const (
	RowDataAvailable          RowDataState = "AVAILABLE"
	RowDataPurged             RowDataState = "PURGED"
	RowDataNeverStored        RowDataState = "NEVER_STORED"
	RowDataStoreNotConfigured RowDataState = "STORE_NOT_CONFIGURED"
	RowDataRowNotFound        RowDataState = "ROW_NOT_FOUND"
)

// RowDataResult is the discriminated outcome of resolving a row's payload
// reference through the payload store and retention policy.
type RowDataResult struct {
	State RowDataState
	Data  []byte
}

// Available builds the AVAILABLE variant.
func Available(data []byte) RowDataResult {
	return RowDataResult{State: RowDataAvailable, Data: data}
}

// Purged builds the PURGED variant: hash preserved, bytes gone.
func Purged() RowDataResult {
	return RowDataResult{State: RowDataPurged}
}

// NeverStored builds the NEVER_STORED variant: the row existed without a
// payload ref.
func NeverStored() RowDataResult {
	return RowDataResult{State: RowDataNeverStored}
}

// StoreNotConfigured builds the STORE_NOT_CONFIGURED variant: no backend is
// wired for this run.
func StoreNotConfigured() RowDataResult {
	return RowDataResult{State: RowDataStoreNotConfigured}
}

// RowNotFound builds the ROW_NOT_FOUND variant.
func RowNotFound() RowDataResult {
	return RowDataResult{State: RowDataRowNotFound}
}

// RowLineage is the explanatory projection returned by Recorder.ExplainRow
// (scenario S4): it reports whether the payload is available without
// forcing the caller to retrieve the bytes.
type RowLineage struct {
	RowID            string
	SourceDataHash   string
	PayloadAvailable bool
	SourceData       []byte
}
