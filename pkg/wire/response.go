package wire

import (
	"encoding/xml"
	"fmt"
)

// Results is the single <results> root emitted for every request frame,
// carrying one child per input child in document order.
type Results struct {
	XMLName  xml.Name `xml:"results"`
	Children []any
}

// Append adds a result child, preserving input order.
func (r *Results) Append(child any) {
	r.Children = append(r.Children, child)
}

// Render serializes the response document.
func (r *Results) Render() ([]byte, error) {
	out, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("wire: render results: %w", err)
	}
	return out, nil
}

// CreatedAccount is <created id="..."/>.
type CreatedAccount struct {
	XMLName xml.Name `xml:"created"`
	ID      string   `xml:"id,attr"`
}

// CreatedSymbol is <created sym="..." id="..."/>.
type CreatedSymbol struct {
	XMLName xml.Name `xml:"created"`
	Sym     string   `xml:"sym,attr"`
	ID      string   `xml:"id,attr"`
}

// Opened reports a successful order placement. The sym, amount, and
// limit attributes echo the request.
type Opened struct {
	XMLName xml.Name `xml:"opened"`
	Sym     string   `xml:"sym,attr"`
	Amount  string   `xml:"amount,attr"`
	Limit   string   `xml:"limit,attr"`
	ID      int64    `xml:"id,attr"`
}

// Executed is one fill record: <executed shares="..." price="..." time="..."/>.
type Executed struct {
	XMLName xml.Name `xml:"executed"`
	Shares  string   `xml:"shares,attr"`
	Price   string   `xml:"price,attr"`
	Time    int64    `xml:"time,attr"`
}

// CanceledShares is the leftover marker <canceled shares="..." time="..."/>
// nested inside a cancel or query result.
type CanceledShares struct {
	XMLName xml.Name `xml:"canceled"`
	Shares  string   `xml:"shares,attr"`
	Time    int64    `xml:"time,attr"`
}

// OpenShares is <open shares="..."/> inside a query result.
type OpenShares struct {
	XMLName xml.Name `xml:"open"`
	Shares  string   `xml:"shares,attr"`
}

// Canceled reports a successful cancel: the fills that stood, then the
// leftover portion if any shares were still open.
type Canceled struct {
	XMLName    xml.Name        `xml:"canceled"`
	ID         int64           `xml:"id,attr"`
	Executions []Executed      `xml:"executed"`
	Leftover   *CanceledShares `xml:"canceled,omitempty"`
}

// Status reports a query: the open or canceled remainder first, then
// the fills in ascending time order.
type Status struct {
	XMLName    xml.Name        `xml:"status"`
	ID         int64           `xml:"id,attr"`
	Open       *OpenShares     `xml:"open,omitempty"`
	Canceled   *CanceledShares `xml:"canceled,omitempty"`
	Executions []Executed      `xml:"executed"`
}

// ErrorElem is the failure shape for any child; the identifying
// attributes of the failing input are echoed back.
type ErrorElem struct {
	XMLName xml.Name `xml:"error"`
	Sym     string   `xml:"sym,attr,omitempty"`
	Amount  string   `xml:"amount,attr,omitempty"`
	Limit   string   `xml:"limit,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	Msg     string   `xml:",chardata"`
}
