// Package pubmed provides a client for the NCBI PubMed E-utilities API.
//
// Search runs esearch for the PMIDs matching a broad query inside a
// publication date window, then efetch in chunks for the article records.
//
// The E-utilities API documentation is available at:
// https://www.ncbi.nlm.nih.gov/books/NBK25499/
package pubmed

import "encoding/xml"

// ESearchResult is the esearch.fcgi response. Only the fields the client
// reads are mapped.
type ESearchResult struct {
	XMLName      xml.Name `xml:"eSearchResult"`
	ErrorMessage string   `xml:"ERROR,omitempty"`
	Count        int      `xml:"Count"`
	RetMax       int      `xml:"RetMax"`
	IDList       struct {
		IDs []string `xml:"Id"`
	} `xml:"IdList"`
	ErrorList *struct {
		PhraseNotFound []string `xml:"PhraseNotFound,omitempty"`
	} `xml:"ErrorList,omitempty"`
}

// PubmedArticleSet is the efetch.fcgi response in XML mode.
type PubmedArticleSet struct {
	XMLName  xml.Name        `xml:"PubmedArticleSet"`
	Articles []PubmedArticle `xml:"PubmedArticle"`
}

type PubmedArticle struct {
	MedlineCitation MedlineCitation `xml:"MedlineCitation"`
	PubmedData      PubmedData      `xml:"PubmedData"`
}

type MedlineCitation struct {
	PMID struct {
		Value string `xml:",chardata"`
	} `xml:"PMID"`
	Article         Article          `xml:"Article"`
	MeshHeadingList *MeshHeadingList `xml:"MeshHeadingList,omitempty"`
	KeywordList     *KeywordList     `xml:"KeywordList,omitempty"`
}

// Article is the citation body: journal, title, abstract, authors and dates.
type Article struct {
	Journal             Journal              `xml:"Journal"`
	ArticleTitle        string               `xml:"ArticleTitle"`
	Pagination          *Pagination          `xml:"Pagination,omitempty"`
	ELocationID         []ELocationID        `xml:"ELocationID,omitempty"`
	Abstract            *Abstract            `xml:"Abstract,omitempty"`
	AuthorList          *AuthorList          `xml:"AuthorList,omitempty"`
	PublicationTypeList *PublicationTypeList `xml:"PublicationTypeList,omitempty"`
	ArticleDate         []ArticleDate        `xml:"ArticleDate,omitempty"`
}

type Journal struct {
	Title           string `xml:"Title,omitempty"`
	ISOAbbreviation string `xml:"ISOAbbreviation,omitempty"`
	JournalIssue    struct {
		Volume  string  `xml:"Volume,omitempty"`
		Issue   string  `xml:"Issue,omitempty"`
		PubDate PubDate `xml:"PubDate"`
	} `xml:"JournalIssue"`
}

// PubDate is the journal issue date. MedlineDate holds free-form values such
// as "2020 Jan-Feb" when Year is absent.
type PubDate struct {
	Year        string `xml:"Year,omitempty"`
	Month       string `xml:"Month,omitempty"`
	Day         string `xml:"Day,omitempty"`
	MedlineDate string `xml:"MedlineDate,omitempty"`
}

type Pagination struct {
	StartPage  string `xml:"StartPage,omitempty"`
	EndPage    string `xml:"EndPage,omitempty"`
	MedlinePgn string `xml:"MedlinePgn,omitempty"`
}

// ELocationID carries electronic locators; EIdType "doi" is the one used.
type ELocationID struct {
	EIdType string `xml:"EIdType,attr"`
	Valid   string `xml:"ValidYN,attr,omitempty"`
	Value   string `xml:",chardata"`
}

// Abstract may be structured into labeled sections (BACKGROUND, METHODS, ...).
type Abstract struct {
	AbstractTexts []struct {
		Label string `xml:"Label,attr,omitempty"`
		Value string `xml:",chardata"`
	} `xml:"AbstractText"`
}

type AuthorList struct {
	Authors []Author `xml:"Author"`
}

type Author struct {
	ValidYN         string       `xml:"ValidYN,attr,omitempty"`
	LastName        string       `xml:"LastName,omitempty"`
	ForeName        string       `xml:"ForeName,omitempty"`
	CollectiveName  string       `xml:"CollectiveName,omitempty"`
	Identifiers     []Identifier `xml:"Identifier,omitempty"`
	AffiliationInfo []struct {
		Affiliation string `xml:"Affiliation"`
	} `xml:"AffiliationInfo,omitempty"`
}

// Identifier is an author identifier; Source "ORCID" is the one used.
type Identifier struct {
	Source string `xml:"Source,attr"`
	Value  string `xml:",chardata"`
}

type ArticleDate struct {
	DateType string `xml:"DateType,attr,omitempty"`
	Year     string `xml:"Year"`
	Month    string `xml:"Month,omitempty"`
	Day      string `xml:"Day,omitempty"`
}

type PublicationTypeList struct {
	PublicationTypes []struct {
		Value string `xml:",chardata"`
	} `xml:"PublicationType"`
}

type MeshHeadingList struct {
	MeshHeadings []struct {
		DescriptorName struct {
			Value string `xml:",chardata"`
		} `xml:"DescriptorName"`
	} `xml:"MeshHeading"`
}

type KeywordList struct {
	Keywords []struct {
		Value string `xml:",chardata"`
	} `xml:"Keyword"`
}

// PubmedData holds identifiers assigned by PubMed (pubmed, doi, pmc).
type PubmedData struct {
	ArticleIdList struct {
		ArticleIds []struct {
			IdType string `xml:"IdType,attr"`
			Value  string `xml:",chardata"`
		} `xml:"ArticleId"`
	} `xml:"ArticleIdList"`
}
