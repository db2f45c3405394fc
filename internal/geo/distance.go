// Package geo 提供地理距离计算
package geo

import "math"

// EarthRadius 地球平均半径 (米)
const EarthRadius = 6371000.0

// Distance 使用 Haversine 公式计算两点间的大圆距离 (米)
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRad(lat1)
	phi2 := toRad(lat2)
	dPhi := toRad(lat2 - lat1)
	dLambda := toRad(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadius * c
}

// Offset 从起点沿给定方位角移动 distance 米后的坐标, 方位角以正北为 0 度
func Offset(lat, lon, distance, bearingDeg float64) (float64, float64) {
	delta := distance / EarthRadius
	theta := toRad(bearingDeg)
	phi1 := toRad(lat)
	lambda1 := toRad(lon)

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(math.Sin(theta)*math.Sin(delta)*math.Cos(phi1),
		math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2))

	return toDeg(phi2), toDeg(lambda2)
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180.0
}

func toDeg(rad float64) float64 {
	return rad * 180.0 / math.Pi
}
