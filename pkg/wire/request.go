package wire

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Request is one parsed request document: exactly one of Create or
// Transactions is set. Children keep their document order, and their
// numeric attributes stay raw strings so a malformed number fails only
// its own child, not the batch.
type Request struct {
	Create       *CreateRequest
	Transactions *TransactionsRequest
}

// CreateRequest is the <create> root: account and symbol provisioning
// steps in document order.
type CreateRequest struct {
	Steps []CreateStep
}

// CreateStep is one child of <create>. Account and Symbol are mutually
// exclusive; Unknown carries the tag name of an unrecognized child.
type CreateStep struct {
	Account *AccountCreate
	Symbol  *SymbolCreate
	Unknown string
}

// AccountCreate is <account id="..." balance="..."/>.
type AccountCreate struct {
	ID      string `xml:"id,attr"`
	Balance string `xml:"balance,attr"`
}

// SymbolCreate is <symbol sym="..."> with nested share credits.
type SymbolCreate struct {
	Sym     string         `xml:"sym,attr"`
	Credits []SymbolCredit `xml:"account"`
}

// SymbolCredit is <account id="...">SHARES</account> inside <symbol>.
type SymbolCredit struct {
	AccountID string `xml:"id,attr"`
	Shares    string `xml:",chardata"`
}

// TransactionsRequest is the <transactions id="..."> root.
type TransactionsRequest struct {
	AccountID string
	Actions   []Action
}

// Action is one child of <transactions>: an order placement, a cancel,
// or a query. Unknown carries the tag name of an unrecognized child.
type Action struct {
	Order   *OrderAction
	Cancel  *IDAction
	Query   *IDAction
	Unknown string
}

// OrderAction is <order sym="..." amount="..." limit="..."/>.
type OrderAction struct {
	Sym    string `xml:"sym,attr"`
	Amount string `xml:"amount,attr"`
	Limit  string `xml:"limit,attr"`
}

// IDAction is <cancel id="..."/> or <query id="..."/>.
type IDAction struct {
	ID string `xml:"id,attr"`
}

// ParseRequest decodes a request document. An error here is a
// connection-scope failure; per-child problems are deferred to the
// router so sibling children still run.
func ParseRequest(doc []byte) (*Request, error) {
	d := xml.NewDecoder(bytes.NewReader(doc))

	root, err := nextStart(d)
	if err != nil {
		return nil, fmt.Errorf("wire: parse request: %w", err)
	}

	switch root.Name.Local {
	case "create":
		cr, err := parseCreate(d, root)
		if err != nil {
			return nil, err
		}
		return &Request{Create: cr}, nil
	case "transactions":
		tr, err := parseTransactions(d, root)
		if err != nil {
			return nil, err
		}
		return &Request{Transactions: tr}, nil
	default:
		return nil, fmt.Errorf("wire: unknown root tag %q", root.Name.Local)
	}
}

func parseCreate(d *xml.Decoder, root xml.StartElement) (*CreateRequest, error) {
	cr := &CreateRequest{}
	for {
		child, done, err := nextChild(d, root.Name)
		if err != nil {
			return nil, fmt.Errorf("wire: parse create: %w", err)
		}
		if done {
			return cr, nil
		}
		switch child.Name.Local {
		case "account":
			var ac AccountCreate
			if err := d.DecodeElement(&ac, &child); err != nil {
				return nil, fmt.Errorf("wire: parse account: %w", err)
			}
			cr.Steps = append(cr.Steps, CreateStep{Account: &ac})
		case "symbol":
			var sc SymbolCreate
			if err := d.DecodeElement(&sc, &child); err != nil {
				return nil, fmt.Errorf("wire: parse symbol: %w", err)
			}
			for i := range sc.Credits {
				sc.Credits[i].Shares = strings.TrimSpace(sc.Credits[i].Shares)
			}
			cr.Steps = append(cr.Steps, CreateStep{Symbol: &sc})
		default:
			if err := d.Skip(); err != nil {
				return nil, fmt.Errorf("wire: parse create: %w", err)
			}
			cr.Steps = append(cr.Steps, CreateStep{Unknown: child.Name.Local})
		}
	}
}

func parseTransactions(d *xml.Decoder, root xml.StartElement) (*TransactionsRequest, error) {
	tr := &TransactionsRequest{}
	for _, attr := range root.Attr {
		if attr.Name.Local == "id" {
			tr.AccountID = attr.Value
		}
	}
	for {
		child, done, err := nextChild(d, root.Name)
		if err != nil {
			return nil, fmt.Errorf("wire: parse transactions: %w", err)
		}
		if done {
			return tr, nil
		}
		switch child.Name.Local {
		case "order":
			var oa OrderAction
			if err := d.DecodeElement(&oa, &child); err != nil {
				return nil, fmt.Errorf("wire: parse order: %w", err)
			}
			tr.Actions = append(tr.Actions, Action{Order: &oa})
		case "cancel":
			var ia IDAction
			if err := d.DecodeElement(&ia, &child); err != nil {
				return nil, fmt.Errorf("wire: parse cancel: %w", err)
			}
			tr.Actions = append(tr.Actions, Action{Cancel: &ia})
		case "query":
			var ia IDAction
			if err := d.DecodeElement(&ia, &child); err != nil {
				return nil, fmt.Errorf("wire: parse query: %w", err)
			}
			tr.Actions = append(tr.Actions, Action{Query: &ia})
		default:
			if err := d.Skip(); err != nil {
				return nil, fmt.Errorf("wire: parse transactions: %w", err)
			}
			tr.Actions = append(tr.Actions, Action{Unknown: child.Name.Local})
		}
	}
}

// nextStart scans to the document's first element.
func nextStart(d *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

// nextChild returns the next direct child element of the open parent,
// or done=true when the parent's end tag is reached.
func nextChild(d *xml.Decoder, parent xml.Name) (xml.StartElement, bool, error) {
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return xml.StartElement{}, true, nil
		}
		if err != nil {
			return xml.StartElement{}, false, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, false, nil
		case xml.EndElement:
			if t.Name == parent {
				return xml.StartElement{}, true, nil
			}
		}
	}
}
