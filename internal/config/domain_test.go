package config

import (
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDomainConfig_DefaultsApplied(t *testing.T) {
	var raw xmlDomainConfig
	port := 18944
	channel := "TrackerStream"
	raw.ListeningPort = &port
	raw.OutputChannelID = &channel

	cfg, err := validateDomainConfig(raw)
	require.NoError(t, err)
	require.Equal(t, 18944, cfg.ListeningPort)
	require.Equal(t, 50.0, cfg.MaxTimeSpentWithProcessingMs)
	require.Equal(t, 100, cfg.MaxNumberOfIgtlMessagesToSend)
	require.True(t, cfg.SendValidTransformsOnly)
	require.False(t, cfg.IgtlMessageCrcCheckEnabled)
}

func TestDomainConfig_RequiresListeningPort(t *testing.T) {
	channel := "TrackerStream"
	raw := xmlDomainConfig{OutputChannelID: &channel}
	_, err := validateDomainConfig(raw)
	require.Error(t, err)
}

func TestDomainConfig_ParsesXML(t *testing.T) {
	doc := `<PlusOpenIGTLinkServer ListeningPort="18944" OutputChannelId="TrackerStream">
	  <DefaultClientInfo>
	    <MessageTypes><Type>IMAGE</Type><Type>TRANSFORM</Type></MessageTypes>
	  </DefaultClientInfo>
	</PlusOpenIGTLinkServer>`

	var raw xmlDomainConfig
	require.NoError(t, xml.Unmarshal([]byte(doc), &raw))
	cfg, err := validateDomainConfig(raw)
	require.NoError(t, err)
	require.Equal(t, 18944, cfg.ListeningPort)
	require.Equal(t, []string{"IMAGE", "TRANSFORM"}, cfg.DefaultClientInfo.MessageTypes)
}
