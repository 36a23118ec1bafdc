package frame

// DefaultFrames 构造内置框架集合；每次调用返回新值，调用方可自由修改副本。
func DefaultFrames() FrameSet {
	return FrameSet{
		Cinematography: Frame{
			Name: "Cinematography",
			LexicalUnits: map[string][]string{
				"camera.movement": {
					"pan", "tilt", "dolly", "truck", "pedestal", "crane", "boom", "roll", "zoom",
					"track", "arc", "orbit", "whip pan", "swish pan", "dolly zoom", "crash zoom",
					"push in", "pull out", "pull back", "zoom in", "zoom out", "dolly in", "dolly out",
					"tracking shot", "dolly shot", "crane shot",
					"handheld", "steadicam", "aerial shot", "drone shot", "dutch tilt",
				},
				"camera.focus": {"rack focus", "focus pull", "pull focus", "refocus", "split diopter"},
			},
			Elements: map[string]Element{
				"Camera":    {MapsTo: "camera.movement"},
				"Direction": {MapsTo: "camera.movement"},
				"Speed":     {MapsTo: "camera.movement"},
				"Target":    {MapsTo: "subject"},
			},
			Ambiguous: []string{"pan", "dolly", "truck", "roll", "crane", "track", "boom", "zoom", "arc", "orbit"},
			Directions: []string{
				"left", "right", "up", "down", "across", "around", "forward", "forwards", "backward",
				"backwards", "upward", "upwards", "downward", "downwards", "clockwise",
				"counterclockwise", "sideways", "overhead",
			},
		},
		Motion: Frame{
			Name: "Motion",
			LexicalUnits: map[string][]string{
				"action.locomotion": {
					"walk", "run", "sprint", "jog", "stroll", "march", "crawl", "climb", "jump",
					"leap", "hop", "swim", "fly", "ride", "drive", "skate", "surf", "dance",
					"wander", "stride", "limp", "race", "chase", "glide", "roll", "stumble",
				},
				"action.gesture": {
					"wave", "nod", "point", "shrug", "clap", "bow", "salute", "reach", "grab",
					"hug", "kiss", "smile", "laugh", "cry", "frown", "wink", "crane", "stretch",
				},
				"action.motion": {
					"spin", "turn", "twirl", "fall", "rise", "drift", "float", "sway", "swing",
					"bounce", "shake", "tremble", "collapse", "explode", "track", "flicker",
					"ripple", "flow", "burn", "melt",
				},
			},
			Elements: map[string]Element{
				"Theme":  {Required: true, MapsTo: "subject"},
				"Manner": {MapsTo: "action.manner"},
				"Path":   {MapsTo: "environment.location"},
			},
		},
	}
}
