package routing

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/tg123/mqbroker/logging"
	"github.com/tg123/mqbroker/protocol"
)

var logger = logging.Package("routing")

// ThisServer in a server field stands for the local server name.
const ThisServer = "this"

type FilterSettings struct {
	SourceServer           string `mapstructure:"source_server" toml:"source_server,omitempty"`
	SourceApplication      string `mapstructure:"source_application" toml:"source_application,omitempty"`
	DestinationServer      string `mapstructure:"destination_server" toml:"destination_server,omitempty"`
	DestinationApplication string `mapstructure:"destination_application" toml:"destination_application,omitempty"`
	TransmitRule           string `mapstructure:"transmit_rule" toml:"transmit_rule,omitempty"`
}

type DestinationSettings struct {
	Server      string `mapstructure:"server" toml:"server,omitempty"`
	Application string `mapstructure:"application" toml:"application,omitempty"`
	Weight      int    `mapstructure:"weight" toml:"weight,omitempty" validate:"gte=0"`
}

type RuleSettings struct {
	Name         string                `mapstructure:"name" toml:"name" validate:"required"`
	Distribution string                `mapstructure:"distribution" toml:"distribution,omitempty"`
	Filters      []FilterSettings      `mapstructure:"filters" toml:"filters" validate:"dive"`
	Destinations []DestinationSettings `mapstructure:"destinations" toml:"destinations" validate:"min=1,dive"`
}

// Filter matches an envelope when every non empty field equals the envelope's
// value, ignoring case.
type Filter struct {
	SourceServer           string
	SourceApplication      string
	DestinationServer      string
	DestinationApplication string
	TransmitRule           *protocol.TransmitRule
}

func fieldMatches(pattern, value string) bool {
	return pattern == "" || strings.EqualFold(pattern, value)
}

func (f *Filter) Match(msg *protocol.DataTransferMessage) bool {
	if f.TransmitRule != nil && *f.TransmitRule != msg.TransmitRule {
		return false
	}

	return fieldMatches(f.SourceServer, msg.SourceServerName) &&
		fieldMatches(f.SourceApplication, msg.SourceApplicationName) &&
		fieldMatches(f.DestinationServer, msg.DestinationServerName) &&
		fieldMatches(f.DestinationApplication, msg.DestinationApplicationName)
}

// Destination overrides the non empty fields of a matched envelope.
type Destination struct {
	Server      string
	Application string
	Weight      int
}

func (d *Destination) apply(msg *protocol.DataTransferMessage) {
	if d.Server != "" {
		msg.DestinationServerName = d.Server
	}

	if d.Application != "" {
		msg.DestinationApplicationName = d.Application
	}
}

type Rule struct {
	Name         string
	Distribution Distribution
	Filters      []*Filter
	Destinations []*Destination

	strategy Strategy
}

func (r *Rule) Match(msg *protocol.DataTransferMessage) bool {
	for _, f := range r.Filters {
		if f.Match(msg) {
			return true
		}
	}

	return false
}

// Table holds the rules in configured order. It is immutable once built.
type Table struct {
	rules []*Rule
}

type options struct {
	source rand.Source
}

type Option func(*options)

// WithRandSource makes Random rules draw from source, mostly for tests.
func WithRandSource(source rand.Source) Option {
	return func(o *options) {
		o.source = source
	}
}

// NewTable builds the rules, resolving ThisServer to thisServer once.
func NewTable(thisServer string, settings []RuleSettings, opts ...Option) (*Table, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	resolve := func(server string) string {
		if strings.EqualFold(server, ThisServer) {
			return thisServer
		}
		return server
	}

	t := &Table{}

	for _, rs := range settings {
		r := &Rule{
			Name:         rs.Name,
			Distribution: ParseDistribution(rs.Distribution),
		}

		for _, fs := range rs.Filters {
			f := &Filter{
				SourceServer:           resolve(fs.SourceServer),
				SourceApplication:      fs.SourceApplication,
				DestinationServer:      resolve(fs.DestinationServer),
				DestinationApplication: fs.DestinationApplication,
			}

			if fs.TransmitRule != "" {
				tr, err := protocol.ParseTransmitRule(fs.TransmitRule)
				if err != nil {
					return nil, fmt.Errorf("routing rule %q: %w", rs.Name, err)
				}
				f.TransmitRule = &tr
			}

			r.Filters = append(r.Filters, f)
		}

		for _, ds := range rs.Destinations {
			weight := ds.Weight
			if weight < 1 {
				weight = 1
			}

			r.Destinations = append(r.Destinations, &Destination{
				Server:      resolve(ds.Server),
				Application: ds.Application,
				Weight:      weight,
			})
		}

		switch r.Distribution {
		case Random:
			source := o.source
			if source == nil {
				source = rand.NewSource(time.Now().UnixNano())
			}
			r.strategy = newRandomStrategy(r.Destinations, source)
		default:
			r.strategy = newSequentialStrategy(r.Destinations)
		}

		t.rules = append(t.rules, r)
		logger.Debug().Str(logging.NAME, r.Name).Str("distribution", string(r.Distribution)).Int("filters", len(r.Filters)).Int("destinations", len(r.Destinations)).Msg("routing rule loaded")
	}

	return t, nil
}

func (t *Table) Rules() []*Rule {
	return t.rules
}

// ApplyRouting rewrites the destination of msg with the first matching rule
// and reports whether one matched. Unmatched messages keep their destination.
func (t *Table) ApplyRouting(msg *protocol.DataTransferMessage) bool {
	if t == nil {
		return false
	}

	for _, r := range t.rules {
		if !r.Match(msg) {
			continue
		}

		if d := r.strategy.Next(); d != nil {
			d.apply(msg)
		}

		logger.Debug().Str(logging.NAME, r.Name).Str(logging.ID, msg.MessageID).Str("server", msg.DestinationServerName).Str("application", msg.DestinationApplicationName).Msg("routed")
		return true
	}

	return false
}
