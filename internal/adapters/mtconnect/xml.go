package mtconnect

import (
	"encoding/xml"
	"fmt"
	"sort"
	"time"

	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
)

// MTConnectStreams documents nest observations three levels deep and name
// each observation element after its data item category (Position, Load,
// Execution, ...), so observations are decoded with a wildcard element.

type streamsDocument struct {
	XMLName xml.Name       `xml:"MTConnectStreams"`
	Header  header         `xml:"Header"`
	Streams []deviceStream `xml:"Streams>DeviceStream"`
}

type header struct {
	CreationTime time.Time `xml:"creationTime,attr"`
	InstanceID   uint64    `xml:"instanceId,attr"`
	NextSequence uint64    `xml:"nextSequence,attr"`
}

type deviceStream struct {
	Name             string            `xml:"name,attr"`
	UUID             string            `xml:"uuid,attr"`
	ComponentStreams []componentStream `xml:"ComponentStream"`
}

type componentStream struct {
	Component string          `xml:"component,attr"`
	Samples   observationList `xml:"Samples"`
	Events    observationList `xml:"Events"`
}

type observationList struct {
	Items []observation `xml:",any"`
}

type observation struct {
	XMLName    xml.Name
	DataItemID string `xml:"dataItemId,attr"`
	Name       string `xml:"name,attr"`
	Timestamp  string `xml:"timestamp,attr"`
	Sequence   uint64 `xml:"sequence,attr"`
	Value      string `xml:",chardata"`
}

func parseStreams(body []byte) (*streamsDocument, error) {
	var doc streamsDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("mtconnect xml: %w", err)
	}
	return &doc, nil
}

// Frame flattens every observation in the document into one RawFrame.
// nameFor restricts and renames data items; nil takes everything under its
// data item name (falling back to dataItemId). The frame's source time is
// the newest observation timestamp, falling back to the header creation time.
func (d *streamsDocument) Frame(machineID string, nameFor map[string]string) domain.RawFrame {
	byName := make(map[string]domain.MetricValue)
	var newest time.Time

	take := func(obs observation) {
		name := obs.Name
		if name == "" {
			name = obs.DataItemID
		}
		if nameFor != nil {
			mapped, ok := nameFor[obs.DataItemID]
			if !ok {
				return
			}
			name = mapped
		}
		if obs.Value == "" || obs.Value == "UNAVAILABLE" {
			return
		}
		byName[name] = parseValue(obs.Value)
		if ts, err := time.Parse(time.RFC3339Nano, obs.Timestamp); err == nil && ts.After(newest) {
			newest = ts
		}
	}

	for _, ds := range d.Streams {
		for _, cs := range ds.ComponentStreams {
			for _, obs := range cs.Samples.Items {
				take(obs)
			}
			for _, obs := range cs.Events.Items {
				take(obs)
			}
		}
	}

	if newest.IsZero() {
		newest = d.Header.CreationTime
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	samples := make([]domain.TelemetrySample, 0, len(names))
	for _, name := range names {
		samples = append(samples, domain.TelemetrySample{Name: name, Value: byName[name]})
	}

	return domain.RawFrame{
		MachineID:  machineID,
		Protocol:   domain.ProtocolMTConnect,
		Samples:    samples,
		SourceTime: newest.UTC(),
	}
}
