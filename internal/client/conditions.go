package client

// Icon keys carried in models.Record.ResourceName.
const (
	IconStorm       = "storm"
	IconLightRain   = "light_rain"
	IconRain        = "rain"
	IconSnow        = "snow"
	IconFog         = "fog"
	IconClear       = "clear"
	IconLightClouds = "light_clouds"
	IconCloudy      = "cloudy"
)

type conditionRange struct {
	from, to int
	icon     string
}

// conditionIcons is checked in order; the first matching range wins.
// See https://openweathermap.org/weather-conditions for the code groups.
var conditionIcons = []conditionRange{
	{200, 232, IconStorm},
	{300, 321, IconLightRain},
	{500, 504, IconRain},
	{511, 511, IconSnow},
	{520, 531, IconRain},
	{600, 622, IconSnow},
	{701, 761, IconFog},
	{771, 771, IconStorm},
	{781, 781, IconStorm},
	{800, 800, IconClear},
	{801, 801, IconLightClouds},
	{802, 804, IconCloudy},
}

// ResourceNameForCondition maps an OpenWeatherMap condition code to an icon
// key. Unknown codes map to "".
func ResourceNameForCondition(id int) string {
	for _, r := range conditionIcons {
		if id >= r.from && id <= r.to {
			return r.icon
		}
	}
	return ""
}
