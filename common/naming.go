package common

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultOutputPattern is the naming pattern of the persisted quarterly rasters
const DefaultOutputPattern = "{BAND}_S2_SR_{QUARTER}_{ZONE}"

var (
	safeRegexp     = regexp.MustCompile(`^S2[ABC]_MSIL(1C|2A)_\d{8}T\d{6}_N\d{4}_R\d{3}_T\d{2}[A-Z]{3}_\d{8}T\d{6}`)
	gridIndexRegex = regexp.MustCompile(`^\d{8}T\d{6}_\d{8}T\d{6}_T\d{2}[A-Z]{3}$`)
)

// GetDateFromProductId returns the sensing date of a Sentinel-2 product
func GetDateFromProductId(sceneName string) (time.Time, error) {
	format, err := Info(sceneName)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse("20060102150405", format["DATE"]+format["TIME"])
}

// Info parses a Sentinel-2 product identifier.
// Supported: MMM_MSIXXX_YYYYMMDDTHHMMSS_Nxxyy_ROOO_Txxxxx_<Product Discriminator>(.SAFE)
// and the granule index YYYYMMDDTHHMMSS_yyyymmddThhmmss_Txxxxx
func Info(sceneName string) (map[string]string, error) {
	switch {
	case safeRegexp.MatchString(sceneName):
		if len(sceneName) < len("MMM_MSIXXX_YYYYMMDDTHHMMSS_Nxxyy_ROOO_Txxxxx_YYYYMMDDTHHMMSS") {
			return nil, fmt.Errorf("invalid Sentinel2 file name: %s", sceneName)
		}
		return map[string]string{
			"SCENE":           sceneName,
			"MISSION_ID":      sceneName[0:3],
			"MISSION_VERSION": sceneName[2:3],
			"PRODUCT_LEVEL":   sceneName[7:10],
			"DATE":            sceneName[11:19],
			"YEAR":            sceneName[11:15],
			"MONTH":           sceneName[15:17],
			"DAY":             sceneName[17:19],
			"TIME":            sceneName[20:26],
			"HOUR":            sceneName[20:22],
			"MINUTE":          sceneName[22:24],
			"SECOND":          sceneName[24:26],
			"PDGS":            sceneName[28:32],
			"ORBIT":           sceneName[34:37],
			"TILE":            sceneName[38:44],
			"LATITUDE_BAND":   sceneName[39:41],
			"GRID_SQUARE":     sceneName[41:42],
			"GRANULE_ID":      sceneName[42:44],
			"PRODUCT_DISC":    sceneName[45:60],
		}, nil
	case gridIndexRegex.MatchString(sceneName):
		return map[string]string{
			"SCENE":         sceneName,
			"DATE":          sceneName[0:8],
			"YEAR":          sceneName[0:4],
			"MONTH":         sceneName[4:6],
			"DAY":           sceneName[6:8],
			"TIME":          sceneName[9:15],
			"HOUR":          sceneName[9:11],
			"MINUTE":        sceneName[11:13],
			"SECOND":        sceneName[13:15],
			"TILE":          sceneName[32:38],
			"LATITUDE_BAND": sceneName[33:35],
			"GRID_SQUARE":   sceneName[35:36],
			"GRANULE_ID":    sceneName[36:38],
		}, nil
	}
	return nil, fmt.Errorf("Info: not a Sentinel-2 product: %s", sceneName)
}

/**
 * FormatBrackets replaces in <str> all {keys} of <info> by the corresponding value
 * e.g. keys of Info(), or BAND, QUARTER, ZONE for the output rasters
 */
func FormatBrackets(str string, infos ...map[string]string) string {
	for _, info := range infos {
		for k, v := range info {
			str = strings.ReplaceAll(str, "{"+k+"}", v)
		}
	}
	return str
}
