package auth

// Curated word lists for memorable passphrases and pairing codes. Short,
// unambiguous words only; no homophones.
var adjectives = []string{
	"amber", "bold", "brave", "bright", "calm", "clever", "cosmic", "crisp",
	"eager", "fancy", "fleet", "gentle", "golden", "grand", "happy", "humble",
	"jolly", "keen", "lively", "lucky", "mellow", "mighty", "noble", "prime",
	"quick", "quiet", "rapid", "royal", "silent", "silver", "smooth", "solar",
	"sturdy", "sunny", "swift", "tidy", "vivid", "warm", "wild", "witty",
}

var nouns = []string{
	"anchor", "badger", "beacon", "canyon", "cedar", "comet", "condor", "coral",
	"cougar", "eagle", "ember", "falcon", "ferret", "galaxy", "garnet", "glacier",
	"harbor", "hawk", "heron", "lagoon", "lantern", "lynx", "maple", "meadow",
	"meteor", "otter", "panther", "pebble", "pine", "raven", "reef", "river",
	"sparrow", "summit", "thunder", "tiger", "trail", "walnut", "willow", "wolf",
}
