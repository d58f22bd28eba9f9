// Package config loads the two configuration layers SPEC_FULL.md
// distinguishes: the spec-mandated XML domain config (spec.md §6) and an
// ambient YAML ops config for logging/health/telemetry knobs the teacher
// itself carries (internal/config/config.go, internal/config/validator.go).
package config

import (
	"encoding/xml"
	"fmt"
	"os"

	"github.com/visiona/igtlserver/internal/model"
)

// DomainConfig is the spec.md §6 server configuration, read once at
// startup from an XML file.
type DomainConfig struct {
	ListeningPort                 int
	OutputChannelID               string
	MissingInputGracePeriodSec    float64
	MaxTimeSpentWithProcessingMs  float64
	MaxNumberOfIgtlMessagesToSend int
	SendValidTransformsOnly       bool
	IgtlMessageCrcCheckEnabled    bool
	DefaultClientInfo             model.Subscription
}

// xmlDomainConfig mirrors the PlusOpenIGTLinkServer XML element spec.md §6
// names, used only as the unmarshal target before conversion to
// DomainConfig (defaults filled in, per-attribute required/optional rules
// enforced in validateDomainConfig).
type xmlDomainConfig struct {
	XMLName                       xml.Name `xml:"PlusOpenIGTLinkServer"`
	ListeningPort                 *int     `xml:"ListeningPort,attr"`
	OutputChannelID               *string  `xml:"OutputChannelId,attr"`
	MissingInputGracePeriodSec    *float64 `xml:"MissingInputGracePeriodSec,attr"`
	MaxTimeSpentWithProcessingMs  *float64 `xml:"MaxTimeSpentWithProcessingMs,attr"`
	MaxNumberOfIgtlMessagesToSend *int     `xml:"MaxNumberOfIgtlMessagesToSend,attr"`
	SendValidTransformsOnly       *bool    `xml:"SendValidTransformsOnly,attr"`
	IgtlMessageCrcCheckEnabled    *bool    `xml:"IgtlMessageCrcCheckEnabled,attr"`
	DefaultClientInfo             *struct {
		MessageTypes struct {
			Type []string `xml:"Type"`
		} `xml:"MessageTypes"`
		TransformNames struct {
			Name []string `xml:"Name"`
		} `xml:"TransformNames"`
		ImageStreams struct {
			Name []string `xml:"Name"`
		} `xml:"ImageStreams"`
		StringNames struct {
			Name []string `xml:"Name"`
		} `xml:"StringNames"`
	} `xml:"DefaultClientInfo"`
}

// LoadDomainConfig reads and validates the spec.md §6 XML configuration.
// No third-party XML library appears anywhere in the retrieval pack (see
// DESIGN.md), so this layer is the module's one deliberate standard-library
// choice: encoding/xml.
func LoadDomainConfig(path string) (DomainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DomainConfig{}, fmt.Errorf("config: reading domain config: %w", err)
	}

	var raw xmlDomainConfig
	if err := xml.Unmarshal(data, &raw); err != nil {
		return DomainConfig{}, fmt.Errorf("config: parsing domain config: %w", err)
	}

	return validateDomainConfig(raw)
}

func validateDomainConfig(raw xmlDomainConfig) (DomainConfig, error) {
	cfg := DomainConfig{
		MissingInputGracePeriodSec:    0,
		MaxTimeSpentWithProcessingMs:  50,
		MaxNumberOfIgtlMessagesToSend: 100,
		SendValidTransformsOnly:       true,
		IgtlMessageCrcCheckEnabled:    false,
	}

	if raw.ListeningPort == nil {
		return DomainConfig{}, fmt.Errorf("config: ListeningPort is required")
	}
	cfg.ListeningPort = *raw.ListeningPort

	if raw.OutputChannelID == nil || *raw.OutputChannelID == "" {
		return DomainConfig{}, fmt.Errorf("config: OutputChannelId is required")
	}
	cfg.OutputChannelID = *raw.OutputChannelID

	if raw.MissingInputGracePeriodSec != nil {
		cfg.MissingInputGracePeriodSec = *raw.MissingInputGracePeriodSec
	}
	if raw.MaxTimeSpentWithProcessingMs != nil {
		cfg.MaxTimeSpentWithProcessingMs = *raw.MaxTimeSpentWithProcessingMs
	}
	if raw.MaxNumberOfIgtlMessagesToSend != nil {
		cfg.MaxNumberOfIgtlMessagesToSend = *raw.MaxNumberOfIgtlMessagesToSend
	}
	if raw.SendValidTransformsOnly != nil {
		cfg.SendValidTransformsOnly = *raw.SendValidTransformsOnly
	}
	if raw.IgtlMessageCrcCheckEnabled != nil {
		cfg.IgtlMessageCrcCheckEnabled = *raw.IgtlMessageCrcCheckEnabled
	}

	if raw.DefaultClientInfo != nil {
		cfg.DefaultClientInfo = model.Subscription{
			MessageTypes:   raw.DefaultClientInfo.MessageTypes.Type,
			TransformNames: raw.DefaultClientInfo.TransformNames.Name,
			ImageStreams:   raw.DefaultClientInfo.ImageStreams.Name,
			StringNames:    raw.DefaultClientInfo.StringNames.Name,
		}
	}

	return cfg, nil
}
