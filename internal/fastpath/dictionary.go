package fastpath

import "strings"

// Dictionary: 快速路径的静态词典（注入，不可变）。
type Dictionary struct {
	// Phrases: 归一短语 → 角色。
	Phrases map[string]string
	// Subjects: 主体名词（单数原形）。
	Subjects []string
	// Determiners: 引出主体名词短语的限定词。
	Determiners []string
	// Manner: 方式副词（可并入动作/机位运动区间）。
	Manner []string
	// Adversarial: 提示注入特征短语；命中即放弃快速路径。
	Adversarial []string
}

// DefaultDictionary 构造内置词典；每次调用返回新值。
func DefaultDictionary() Dictionary {
	phrases := map[string][]string{
		"lighting.timeOfDay": {"golden hour", "blue hour", "magic hour", "sunset", "sunrise", "dusk", "dawn", "twilight", "midday", "noon", "midnight", "nighttime", "night"},
		"lighting.quality": {"soft light", "hard light", "diffused light", "harsh light", "dramatic lighting", "moody lighting", "high key", "low key",
			"chiaroscuro", "rim light", "backlit", "backlighting", "volumetric light", "god rays", "long shadows", "soft shadows"},
		"lighting.source":      {"neon lights", "candlelight", "firelight", "moonlight", "sunlight", "street lights", "streetlights", "lamplight", "window light", "headlights"},
		"style.filmStock":      {"35mm film", "16mm film", "super 8", "kodak portra", "kodachrome", "ektachrome", "cinestill", "film grain"},
		"style.aesthetic":      {"cinematic", "film noir", "noir", "cyberpunk", "vaporwave", "documentary style", "anime style", "photorealistic", "surreal", "dreamlike", "vintage", "retro", "minimalist"},
		"environment.location": {"forest", "beach", "desert", "city street", "alley", "rooftop", "kitchen", "café", "cafe", "office", "mountain", "ocean", "river", "skyline", "meadow", "subway", "warehouse", "city", "street", "park", "bridge"},
		"environment.weather":  {"rain", "snow", "fog", "mist", "storm", "thunderstorm", "drizzle", "heavy rain"},
		"color.palette":        {"teal and orange", "monochrome", "black and white", "pastel colors", "muted tones", "warm tones", "cool tones", "vibrant colors", "desaturated"},
		"shot.type":            {"close-up", "extreme close-up", "medium shot", "wide shot", "establishing shot", "over-the-shoulder shot", "two-shot", "long shot", "full shot", "insert shot"},
		"camera.angle":         {"low angle", "high angle", "dutch angle", "bird's-eye view", "worm's-eye view", "overhead shot", "eye level", "aerial view"},
		"camera.lens":          {"wide-angle lens", "macro lens", "telephoto lens", "anamorphic lens", "fisheye lens", "shallow depth of field", "bokeh"},
		"technical.frameRate":  {"slow motion", "time-lapse", "timelapse", "24fps", "60fps", "120fps"},
		"technical.resolution": {"4k", "8k", "hdr"},
		"audio.ambient":        {"ambient sound", "birdsong", "city noise", "soundtrack", "silence"},
	}
	d := Dictionary{
		Phrases: make(map[string]string),
		Subjects: []string{
			"woman", "man", "girl", "boy", "child", "kid", "baby", "dog", "cat", "horse", "bird", "robot",
			"astronaut", "couple", "family", "crowd", "dancer", "chef", "soldier", "knight", "car", "train",
			"ship", "dragon", "detective", "figure", "person", "musician", "skateboarder", "surfer", "runner",
			"cyclist", "warrior", "wizard", "fox", "wolf", "deer", "samurai", "pilot", "teenager", "grandmother",
		},
		Determiners: []string{"a", "an", "the", "two", "three", "several", "his", "her", "their", "its", "this", "that", "one", "some"},
		Manner: []string{
			"slowly", "quickly", "gently", "rapidly", "smoothly", "steadily", "gracefully", "briskly",
			"lazily", "abruptly", "swiftly", "softly", "playfully",
		},
		Adversarial: []string{"ignore previous instructions", "ignore all previous", "system prompt", "disregard the above", "you are now"},
	}
	for role, list := range phrases {
		for _, p := range list {
			d.Phrases[normalizePhrase(p)] = role
		}
	}
	return d
}

func normalizePhrase(s string) string {
	s = strings.ReplaceAll(strings.ToLower(s), "’", "'")
	return strings.Join(strings.Fields(s), " ")
}

// maxWords 返回词典短语的最大词数。
func (d Dictionary) maxWords() int {
	n := 1
	for p := range d.Phrases {
		if w := len(strings.Fields(p)); w > n {
			n = w
		}
	}
	return n
}
