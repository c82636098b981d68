package forecast

import "math"

// Abramowitz & Stegun 7.1.26 erf approximation, max error 1.5e-7.
const (
	erfP  = 0.3275911
	erfA1 = 0.254829592
	erfA2 = -0.284496736
	erfA3 = 1.421413741
	erfA4 = -1.453152027
	erfA5 = 1.061405429
)

// zClamp bounds the standardized input; beyond 8 sigma the CDF is 0 or
// 1 to double precision anyway and the polynomial loses nothing.
const zClamp = 8.0

func erfApprox(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign = -1.0
		x = -x
	}
	t := 1.0 / (1.0 + erfP*x)
	poly := t * (erfA1 + t*(erfA2+t*(erfA3+t*(erfA4+t*erfA5))))
	return sign * (1.0 - poly*math.Exp(-x*x))
}

// Phi is the standard normal CDF.
func Phi(z float64) float64 {
	if z > zClamp {
		z = zClamp
	} else if z < -zClamp {
		z = -zClamp
	}
	return 0.5 * (1.0 + erfApprox(z/math.Sqrt2))
}
