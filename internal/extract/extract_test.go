package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract_Empty(t *testing.T) {
	got := Extract("", "")
	assert.Nil(t, got.Hashtags)
	assert.Nil(t, got.Mentions)
}

func TestExtract_HashtagsAndMentions(t *testing.T) {
	got := Extract("Update from #Bakhmut by @newschannel, see also #Ukraine", "")

	assert.ElementsMatch(t, []string{"#Bakhmut", "#Ukraine"}, got.Hashtags)
	assert.ElementsMatch(t, []string{"@newschannel"}, got.Mentions)
}

func TestExtract_SelfReferenceFiltered(t *testing.T) {
	text := "Follow us @mychannel or t.me/mychannel for more, also check @other and t.me/other/42"

	got := Extract(text, "@mychannel")

	assert.ElementsMatch(t, []string{"@other"}, got.Mentions)
	assert.ElementsMatch(t, []string{"t.me/other/42"}, got.TelegramLinks)
}

func TestExtract_URLsAndTelegramLinks(t *testing.T) {
	text := "See https://example.com/path and t.me/somechannel/123"

	got := Extract(text, "")

	assert.ElementsMatch(t, []string{"https://example.com/path"}, got.URLs)
	assert.ElementsMatch(t, []string{"t.me/somechannel/123"}, got.TelegramLinks)
}

func TestExtract_Coordinates(t *testing.T) {
	got := Extract("Strike reported at 50.4501° N, 30.5234° E near the river", "")

	assert.ElementsMatch(t, []string{"50.4501,30.5234"}, got.Coordinates)
}

func TestExtract_CoordinatesSouthWest(t *testing.T) {
	got := Extract("Position 12.34° S, 56.78° W confirmed", "")

	assert.ElementsMatch(t, []string{"-12.34,-56.78"}, got.Coordinates)
}

func TestExtract_MilitaryUnitsAndEquipment(t *testing.T) {
	got := Extract("The 47 Mechanized Brigade received a HIMARS shipment and Javelin units", "")

	assert.Contains(t, got.MilitaryUnits, "Mechanized")
	assert.ElementsMatch(t, []string{"HIMARS", "Javelin"}, got.Equipment)
}

func TestExtract_NoDuplicates(t *testing.T) {
	got := Extract("#drone #drone #drone strikes reported", "")

	assert.Equal(t, []string{"#drone"}, got.Hashtags)
}
