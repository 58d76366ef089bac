package main

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Fixed-precision decimal math for the leader election threshold. The ledger
// computes (1-f)^sigma via exp/ln expansions at 34 significant decimal
// digits; the comparison must agree digit-for-digit, so everything here works
// on decimals truncated to scale 34 and never touches IEEE floats.

const mathScale = 34

func init() {
	decimal.DivisionPrecision = 100
}

var (
	decZero = decimal.Zero
	decOne  = decimal.NewFromInt(1)
	mathEps = decimal.RequireFromString("1E-24")
)

// normalize truncates to the working scale of 34 fractional digits.
func normalize(x decimal.Decimal) decimal.Decimal {
	return x.Truncate(mathScale)
}

// roundDec rounds half away from zero at the working scale.
func roundDec(x decimal.Decimal) decimal.Decimal {
	return x.Round(mathScale)
}

func ipowP(x decimal.Decimal, n int32) decimal.Decimal {
	if n == 0 {
		return decOne
	}
	if n%2 == 0 {
		y := ipowP(x, n/2)
		return normalize(y.Mul(y))
	}
	return normalize(x.Mul(ipowP(x, n-1)))
}

// ipow raises x to an integer power at fixed precision.
func ipow(x decimal.Decimal, n int32) decimal.Decimal {
	if n < 0 {
		return normalize(decOne.Div(ipowP(x, -n)))
	}
	return ipowP(x, n)
}

// cf evaluates the continued-fraction expansion of ln(1+x), stopping when
// successive convergents differ by less than epsilon.
func cf(maxN int32, x, epsilon, aNm2, bNm2, aNm1, bNm1 decimal.Decimal) decimal.Decimal {
	an := x
	bn := decOne
	aN := normalize(bn.Mul(aNm1).Add(an.Mul(aNm2)))
	bN := normalize(bn.Mul(bNm1).Add(an.Mul(bNm2)))
	aNm2, bNm2 = aNm1, bNm1
	aNm1, bNm1 = aN, bN
	xp := normalize(aN.Div(bN))
	for n := int32(2); n <= maxN; n++ {
		if n%2 == 0 {
			k := decimal.NewFromInt(int64(n/2) * int64(n/2))
			an = normalize(k.Mul(x))
		}
		bn = decimal.NewFromInt(int64(n))
		aN = normalize(bn.Mul(aNm1).Add(an.Mul(aNm2)))
		bN = normalize(bn.Mul(bNm1).Add(an.Mul(bNm2)))
		aNm2, bNm2 = aNm1, bNm1
		aNm1, bNm1 = aN, bN
		xn := normalize(aN.Div(bN))
		if xp.Sub(xn).Abs().Cmp(mathEps) < 0 {
			return xn
		}
		xp = xn
	}
	return xp
}

// lncf approximates ln(1+x) for x >= 0.
func lncf(maxN int32, x decimal.Decimal) decimal.Decimal {
	if x.IsNegative() {
		panic("lncf: x < 0")
	}
	return cf(maxN, x, mathEps, decOne, decZero, decZero, decOne)
}

var expOneOnce struct {
	sync.Once
	v decimal.Decimal
}

func expOne() decimal.Decimal {
	expOneOnce.Do(func() { expOneOnce.v = expDec(decOne) })
	return expOneOnce.v
}

// lnDec computes the natural logarithm by splitting the integral part and
// applying the continued-fraction approximation to the remainder.
func lnDec(x decimal.Decimal) decimal.Decimal {
	if x.Cmp(decZero) <= 0 {
		panic("lnDec: x must be positive")
	}
	n, xp := splitLn(expOne(), x)
	return decimal.NewFromInt(int64(n)).Add(lncf(1000, xp))
}

func taylorExp(eps decimal.Decimal, maxN, n int32, x, lastX, acc, divisor decimal.Decimal) decimal.Decimal {
	for ; n != maxN; n++ {
		nextX := normalize(lastX.Mul(x).Div(divisor))
		if nextX.Abs().Cmp(eps) < 0 {
			return acc
		}
		lastX = nextX
		acc = acc.Add(nextX)
		divisor = divisor.Add(decOne)
	}
	return acc
}

// expDec computes e^x via Taylor expansion after scaling x into [0,1].
func expDec(x decimal.Decimal) decimal.Decimal {
	switch x.Cmp(decZero) {
	case 0:
		return decOne
	case -1:
		return normalize(decOne.Div(expDec(x.Neg())))
	}
	n, xs := scaleExp(x)
	xp := taylorExp(mathEps, 1000, 1, xs, decOne, decOne, decOne)
	return ipow(xp, n)
}

// ceilingDec truncates up to the next integer for non-integral values.
func ceilingDec(x decimal.Decimal) decimal.Decimal {
	if x.IsInteger() {
		return x.Truncate(0)
	}
	return x.Add(decOne).Truncate(0)
}

func scaleExp(x decimal.Decimal) (int32, decimal.Decimal) {
	xp := ceilingDec(x)
	return int32(xp.IntPart()), normalize(x.Div(xp))
}

// splitLn finds n with e^n <= x < e^(n+1) and returns (n, x/e^n - 1).
func splitLn(exp1, x decimal.Decimal) (int32, decimal.Decimal) {
	n := findE(exp1, x)
	yp := ipow(exp1, n)
	return n, normalize(x.Div(yp).Sub(decOne))
}

// findE locates the integer n with e^n <= x < e^(n+1) by doubling bounds and
// bisecting.
func findE(e, x decimal.Decimal) int32 {
	lower, upper := int32(-1), int32(1)
	xp := normalize(decOne.Div(e))
	xpp := e
	for xp.Cmp(x) > 0 || x.Cmp(xpp) > 0 {
		xp = normalize(xp.Mul(xp))
		xpp = normalize(xpp.Mul(xpp))
		lower *= 2
		upper *= 2
	}
	for lower+1 != upper {
		mid := lower + (upper-lower)/2
		if x.Cmp(ipow(e, mid)) < 0 {
			upper = mid
		} else {
			lower = mid
		}
	}
	return lower
}

// taylorCmp is the outcome of comparing a value against a Taylor expansion
// with explicit error bounds.
type taylorCmp int

const (
	taylorAbove taylorCmp = iota
	taylorBelow
	taylorMaxReached
)

// taylorExpCmp compares cmp against e^x term by term, using boundX as the
// error-bound multiplier, and decides as soon as the bound separates them.
func taylorExpCmp(boundX int32, cmp, x decimal.Decimal) taylorCmp {
	const maxN = 1000
	boundXf := decimal.NewFromInt(int64(boundX))
	divisor := int64(1)
	acc := decOne
	errTerm := x
	errorBound := normalize(errTerm.Mul(boundXf))
	for n := 0; n < maxN; n++ {
		if cmp.Cmp(normalize(acc.Add(errorBound))) >= 0 {
			return taylorAbove
		}
		if cmp.Cmp(normalize(acc.Sub(errorBound))) < 0 {
			return taylorBelow
		}
		divisor++
		nextX := errTerm
		errTerm = normalize(normalize(errTerm.Mul(x)).Div(decimal.NewFromInt(divisor)))
		errorBound = normalize(errTerm.Mul(boundXf))
		acc = normalize(acc.Add(nextX))
	}
	return taylorMaxReached
}
