package topics

// DefaultRules is the built-in defense topic taxonomy used when the
// configuration supplies none.
func DefaultRules() []Rule {
	return []Rule{
		{ID: 1, Slug: "hypersonics", Label: "Hypersonics", Priority: 9, MinConfidence: 0.25, Keywords: []string{
			"hypersonic", "glide body", "glide vehicle", "dark eagle", "lrhw", "conventional prompt strike",
			"scramjet", "arrw", "mach 5", "hacm",
		}},
		{ID: 2, Slug: "missile-defense", Label: "Missile Defense", Priority: 8, MinConfidence: 0.25, Keywords: []string{
			"missile defense", "interceptor", "thaad", "patriot", "aegis", "golden dome", "sm 3", "sm 6",
			"ground based midcourse", "missile defense agency", "iron dome",
		}},
		{ID: 3, Slug: "nuclear", Label: "Nuclear Forces", Priority: 8, MinConfidence: 0.25, Keywords: []string{
			"sentinel icbm", "icbm", "columbia class", "b 21", "nuclear triad", "minuteman", "nnsa",
			"warhead", "nuclear deterrent",
		}},
		{ID: 4, Slug: "shipbuilding", Label: "Shipbuilding", Priority: 6, MinConfidence: 0.25, Keywords: []string{
			"shipbuilding", "shipyard", "frigate", "destroyer", "virginia class", "aircraft carrier",
			"amphibious", "constellation class", "ddg", "huntington ingalls",
		}},
		{ID: 5, Slug: "space", Label: "Space", Priority: 6, MinConfidence: 0.25, Keywords: []string{
			"space force", "satellite", "launch", "space development agency", "gps iii", "proliferated",
			"low earth orbit", "space command", "nssl",
		}},
		{ID: 6, Slug: "aviation", Label: "Military Aviation", Priority: 5, MinConfidence: 0.25, Keywords: []string{
			"f 35", "f 47", "fighter", "ngad", "bomber", "tanker", "kc 46", "rotorcraft", "helicopter",
			"collaborative combat aircraft",
		}},
		{ID: 7, Slug: "unmanned", Label: "Drones & Autonomy", Priority: 5, MinConfidence: 0.25, Keywords: []string{
			"drone", "unmanned", "uas", "counter uas", "autonomous", "replicator", "loitering munition", "uav",
		}},
		{ID: 8, Slug: "cyber", Label: "Cyber", Priority: 5, MinConfidence: 0.25, Keywords: []string{
			"cyber", "cyberattack", "ransomware", "cyber command", "zero trust", "hacker", "intrusion",
		}},
		{ID: 9, Slug: "land-systems", Label: "Land Systems", Priority: 4, MinConfidence: 0.25, Keywords: []string{
			"howitzer", "armored", "abrams", "bradley", "artillery", "himars", "infantry", "rocket system",
		}},
		{ID: 10, Slug: "budget", Label: "Budget & Acquisition", Priority: 3, MinConfidence: 0.25, Keywords: []string{
			"budget request", "appropriations", "ndaa", "continuing resolution", "contract award",
			"awarded a", "acquisition", "procurement", "multiyear",
		}},
		{ID: 11, Slug: "ukraine", Label: "Ukraine", Priority: 4, MinConfidence: 0.25, Keywords: []string{
			"ukraine", "ukrainian", "kyiv", "russia", "russian", "usai",
		}},
		{ID: 12, Slug: "indo-pacific", Label: "Indo-Pacific", Priority: 4, MinConfidence: 0.25, Keywords: []string{
			"indo pacific", "taiwan", "china", "chinese", "pla", "south china sea", "aukus", "japan", "philippines",
		}},
	}
}
