package agents

import (
	"hash/fnv"

	"github.com/google/uuid"
)

// Role offsets into the name pool. Each role of a task gets a different
// name, and the same task always gets the same names.
const (
	IdxResearcher  = 0
	IdxAnalyst     = 1
	IdxCritic      = 2
	IdxSynthesizer = 3
)

// stationNames is the pool of station-inspired agent names. The list is
// fixed so names stay stable across restarts.
var stationNames = []string{
	"Ome", "Gora", "Maji", "Ueno", "Ebisu",
	"Osaki", "Otaru", "Namba", "Tenma", "Mejiro",
	"Koenji", "Gotanda", "Ryogoku", "Yutenji", "Nippori",
	"Asagaya", "Mojiko", "Kottoi", "Taisho", "Yumoto",
	"Harajuku", "Shibuya", "Odawara", "Enoshima", "Ogikubo",
	"Ichigaya", "Komazawa", "Shinjuku", "Wakkanai", "Todoroki",
	"Obama", "Usa", "Gero", "Oboke", "Koboke",
	"Naruto", "Zushi", "Fussa", "Oppama",
	"Nikko", "Hakone", "Beppu", "Atami", "Ginza",
	"Akiba", "Kamakura", "Yokohama", "Nagasaki", "Sapporo",
}

// GetAgentName returns a deterministic display name for a role of a task.
func GetAgentName(taskID string, index int) string {
	hash := fnv32a(taskID)
	return stationNames[(int(hash%uint32(len(stationNames)))+index)%len(stationNames)]
}

func roleIndex(name string) int {
	switch name {
	case ResearcherName:
		return IdxResearcher
	case AnalystName:
		return IdxAnalyst
	case CriticName:
		return IdxCritic
	case SynthesizerName:
		return IdxSynthesizer
	default:
		return int(fnv32a(name) % 16)
	}
}

func fnv32a(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func newEntryID() string { return uuid.NewString() }
