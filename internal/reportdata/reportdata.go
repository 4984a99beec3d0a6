// Package reportdata 从最终报告文本中抽取可绘图的财务序列。
package reportdata

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	revenueRe = regexp.MustCompile(`(?i)(?:revenue|sales).*?(\d{4}).*?\$?([\d,]+\.?\d*)\s*([MB])`)
	ebitdaRe  = regexp.MustCompile(`(?i)EBITDA.*?\$?([\d,]+\.?\d*)\s*([MB])`)
	marginRe  = regexp.MustCompile(`(?:margin|Margin).*?([\d.]+)%`)
)

const (
	maxRevenue = 5
	maxEBITDA  = 5
	maxMargins = 10
)

// Financials: 金额单位为百万（B 换算为 ×1000）；Margins 为百分数。
// Years 与 Revenue 一一对应。
type Financials struct {
	Years   []int     `json:"years"`
	Revenue []float64 `json:"revenue"`
	EBITDA  []float64 `json:"ebitda"`
	Margins []float64 `json:"margins"`
}

// Empty 报告未包含任何可识别数据。
func (f Financials) Empty() bool {
	return len(f.Revenue) == 0 && len(f.EBITDA) == 0 && len(f.Margins) == 0
}

// Extract 按正则启发式抽取：营收（年份+金额）前 5 条，EBITDA 前 5 条，利润率前 10 条中小于 100 的值。
// 匹配不跨行。
func Extract(text string) Financials {
	f := Financials{Years: []int{}, Revenue: []float64{}, EBITDA: []float64{}, Margins: []float64{}}
	for _, m := range revenueRe.FindAllStringSubmatch(text, maxRevenue) {
		year, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		amt, ok := millions(m[2], m[3])
		if !ok {
			continue
		}
		f.Years = append(f.Years, year)
		f.Revenue = append(f.Revenue, amt)
	}
	for _, m := range ebitdaRe.FindAllStringSubmatch(text, maxEBITDA) {
		if amt, ok := millions(m[1], m[2]); ok {
			f.EBITDA = append(f.EBITDA, amt)
		}
	}
	for _, m := range marginRe.FindAllStringSubmatch(text, maxMargins) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil || v >= 100 {
			continue
		}
		f.Margins = append(f.Margins, v)
	}
	return f
}

func millions(amount, unit string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(amount, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	if strings.EqualFold(unit, "B") {
		v *= 1000
	}
	return v, true
}
