package domain

import "time"

// Trade is one posttrade record. The required seven fields (isin, price,
// volume, currency, trade_time, trans_id, tick_id) are non-null; everything
// else is optional so that every parsed batch materializes the identical
// column set regardless of what the provider sent. Timestamps are
// timezone-naive nanoseconds. DistributionTime carries no timestamp
// annotation: parquet-go only accepts one on int64 or *time.Time, so the
// nullable column stays a plain nanosecond integer.
type Trade struct {
	Isin                         string  `parquet:"isin"`
	Mnemonic                     *string `parquet:"mnemonic,optional"`
	SecurityType                 *string `parquet:"security_type,optional"`
	Currency                     string  `parquet:"currency"`
	Price                        float64 `parquet:"price"`
	Volume                       float64 `parquet:"volume"`
	TradeTime                    int64   `parquet:"trade_time,timestamp(nanosecond)"`
	DistributionTime             *int64  `parquet:"distribution_time,optional"`
	TransID                      string  `parquet:"trans_id"`
	TickID                       int64   `parquet:"tick_id"`
	TradeType                    *string `parquet:"trade_type,optional"`
	AlgoIndicator                bool    `parquet:"algo_indicator"`
	MmtMarketMechanism           *string `parquet:"mmt_market_mechanism,optional"`
	MmtTradingMode               *string `parquet:"mmt_trading_mode,optional"`
	MmtTransactionCategory       *string `parquet:"mmt_transaction_category,optional"`
	MmtNegotiationIndicator      *string `parquet:"mmt_negotiation_indicator,optional"`
	MmtAgencyCrossIndicator      *string `parquet:"mmt_agency_cross_indicator,optional"`
	MmtModificationIndicator     *string `parquet:"mmt_modification_indicator,optional"`
	MmtBenchmarkIndicator        *string `parquet:"mmt_benchmark_indicator,optional"`
	MmtSpecialDividendIndicator  *string `parquet:"mmt_special_dividend_indicator,optional"`
	MmtOffBookAutomatedIndicator *string `parquet:"mmt_off_book_automated_indicator,optional"`
	MmtPublicationMode           *string `parquet:"mmt_publication_mode,optional"`
}

// TradeColumns is the canonical column order of the on-disk trade schema.
var TradeColumns = []string{
	"isin",
	"mnemonic",
	"security_type",
	"currency",
	"price",
	"volume",
	"trade_time",
	"distribution_time",
	"trans_id",
	"tick_id",
	"trade_type",
	"algo_indicator",
	"mmt_market_mechanism",
	"mmt_trading_mode",
	"mmt_transaction_category",
	"mmt_negotiation_indicator",
	"mmt_agency_cross_indicator",
	"mmt_modification_indicator",
	"mmt_benchmark_indicator",
	"mmt_special_dividend_indicator",
	"mmt_off_book_automated_indicator",
	"mmt_publication_mode",
}

// Time returns the trade time as a UTC time value.
func (t Trade) Time() time.Time {
	return time.Unix(0, t.TradeTime).UTC()
}

// Minute returns the trade time truncated to its minute, formatted the way
// posttrade drop filenames embed it ("2006-01-02T15_04"). Used to decide
// which minute files are already stored.
func (t Trade) Minute() string {
	return t.Time().Format("2006-01-02T15_04")
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }
